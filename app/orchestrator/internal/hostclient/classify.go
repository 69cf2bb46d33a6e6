package hostclient

import (
	"context"
	"net"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/model"
)

// 主机休眠时 /healthz 返回的状态
const (
	HealthOK       = "ok"
	HealthBusy     = "busy"
	HealthSleeping = "sleeping"
)

// Classify 把探活结果归类
//
// 连接被拒或超时视为 offline；路由不可达、DNS 失败等无法判断主机本身状态的情况视为 unknown。
func Classify(report HealthReport, err error) model.Reachability {
	if err == nil {
		switch report.Status {
		case HealthOK, HealthBusy, "":
			return model.ReachOnline
		case HealthSleeping:
			return model.ReachSleeping
		default:
			return model.ReachUnknown
		}
	}

	var se *StatusError
	if errors.As(err, &se) {
		// 主机进程在应答，只是 healthz 不健康
		if se.Status == 503 {
			return model.ReachSleeping
		}
		return model.ReachUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, syscall.ECONNREFUSED) {
		return model.ReachOffline
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return model.ReachOffline
	}
	if errors.Is(err, syscall.ENETUNREACH) || errors.Is(err, syscall.EHOSTUNREACH) {
		return model.ReachUnknown
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return model.ReachUnknown
	}
	return model.ReachUnknown
}
