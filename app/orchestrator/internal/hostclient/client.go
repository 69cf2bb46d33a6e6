// Package hostclient 访问计算主机上 streamer 暴露的 HTTPS 接口。
package hostclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/lk2023060901/xplay/app/orchestrator/internal/model"
	"github.com/lk2023060901/xplay/pkg/config"
	"github.com/lk2023060901/xplay/pkg/logger"
	"github.com/lk2023060901/xplay/pkg/otel"
	"github.com/lk2023060901/xplay/pkg/security"
	"github.com/tidwall/gjson"
)

var (
	// ErrUnreachable 网络或 TLS 层失败
	ErrUnreachable = errors.New("hostclient: host unreachable")
	// ErrRejected 主机拒绝配对 PIN
	ErrRejected = errors.New("hostclient: pairing rejected by host")
	// ErrNotArmed 主机当前没有待配对的 PIN
	ErrNotArmed = errors.New("hostclient: host has no pairing pin armed")
	// ErrUnauthorized 主机不认可凭证
	ErrUnauthorized = errors.New("hostclient: host rejected credentials")
	// ErrBadResponse 非预期的响应
	ErrBadResponse = errors.New("hostclient: bad response")
)

// Config 客户端配置
type Config struct {
	// Timeout 普通请求超时
	Timeout time.Duration `mapstructure:"timeout" json:"timeout"`
	// DialTimeout 建连超时
	DialTimeout time.Duration `mapstructure:"dial_timeout" json:"dial_timeout"`
	// TLS 主机多为自签名证书，默认跳过校验
	TLS *security.TLSConfig `mapstructure:"tls" json:"tls"`
	// MaxBodyBytes 响应体上限
	MaxBodyBytes int64 `mapstructure:"max_body_bytes" json:"max_body_bytes"`
}

// DefaultConfig 默认配置
func DefaultConfig() *Config {
	return &Config{
		Timeout:      5 * time.Second,
		DialTimeout:  2 * time.Second,
		TLS:          &security.TLSConfig{InsecureSkipVerify: true},
		MaxBodyBytes: 4 << 20,
	}
}

// Client 主机 API 客户端，并发安全
type Client struct {
	cfg    *Config
	http   *http.Client
	logger logger.Logger
}

// StatusError 主机返回的非 2xx 响应
type StatusError struct {
	Status  int
	Reason  string
	Message string
}

func (e *StatusError) Error() string {
	return "hostclient: status " + http.StatusText(e.Status) + ": " + e.Reason + " " + e.Message
}

// New 创建客户端
func New(cfg *Config, l logger.Logger) (*Client, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.Default()
	}
	// 配置了 CA 时按 CA 校验主机证书
	if newCfg.TLS.CAFile != "" {
		newCfg.TLS.InsecureSkipVerify = false
	}
	tlsCfg, err := security.NewClientTLSConfig(newCfg.TLS)
	if err != nil {
		return nil, errors.Wrap(err, "hostclient: tls config")
	}

	dialer := &net.Dialer{Timeout: newCfg.DialTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSClientConfig:     tlsCfg,
		TLSHandshakeTimeout: newCfg.DialTimeout,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Client{
		cfg:    newCfg,
		http:   &http.Client{Transport: transport, Timeout: newCfg.Timeout},
		logger: l.Named("hostclient"),
	}, nil
}

// HealthReport /healthz 响应
type HealthReport struct {
	Status         string  `json:"status"`
	ActiveSessions int     `json:"active_sessions"`
	CPUPercent     float64 `json:"cpu_percent"`
	MemoryPercent  float64 `json:"memory_percent"`
}

// CatalogApp 主机上报的应用
type CatalogApp struct {
	AppID  string `json:"id"`
	GameID string `json:"game_id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// PairRequest 配对请求，Name 为发起方身份
type PairRequest struct {
	PIN  string `json:"pin"`
	Name string `json:"name"`
}

// PairResponse 配对结果
type PairResponse struct {
	Paired bool   `json:"paired"`
	Token  string `json:"token"`
}

// LaunchRequest 启动请求
type LaunchRequest struct {
	SessionID     string `json:"session_id"`
	AppID         string `json:"app_id"`
	CallbackURL   string `json:"callback_url"`
	CallbackToken string `json:"callback_token"`
}

// LaunchResponse 启动结果
type LaunchResponse struct {
	SignalPath string `json:"signal_path"`
}

// Health 轻量探活
func (c *Client) Health(ctx context.Context, host model.Host) (HealthReport, error) {
	var report HealthReport
	body, err := c.do(ctx, http.MethodGet, host, "/healthz", nil, false)
	if err != nil {
		return report, err
	}
	data := gjson.GetBytes(body, "data")
	report.Status = data.Get("status").String()
	report.ActiveSessions = int(data.Get("active_sessions").Int())
	report.CPUPercent = data.Get("cpu_percent").Float()
	report.MemoryPercent = data.Get("memory_percent").Float()
	return report, nil
}

// Catalog 拉取应用目录，兼容 data.apps 与顶层 apps 两种结构
func (c *Client) Catalog(ctx context.Context, host model.Host) ([]CatalogApp, error) {
	body, err := c.do(ctx, http.MethodGet, host, "/api/apps", nil, false)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(body) {
		return nil, errors.Wrap(ErrBadResponse, "catalog is not valid json")
	}

	list := gjson.GetBytes(body, "data.apps")
	if !list.Exists() {
		list = gjson.GetBytes(body, "apps")
	}
	if !list.IsArray() {
		return nil, errors.Wrap(ErrBadResponse, "catalog has no apps array")
	}

	apps := make([]CatalogApp, 0, len(list.Array()))
	list.ForEach(func(_, v gjson.Result) bool {
		app := CatalogApp{
			AppID:  firstString(v, "id", "app_id", "uuid"),
			GameID: firstString(v, "game_id", "gameId"),
			Title:  firstString(v, "title", "name"),
			Status: firstString(v, "status"),
		}
		if app.AppID == "" {
			c.logger.Warn("catalog entry without id skipped", "host_id", host.ID, "raw", v.Raw)
			return true
		}
		if app.Status == "" {
			app.Status = string(model.LaunchInstalled)
		}
		apps = append(apps, app)
		return true
	})
	return apps, nil
}

// Pair 把 PIN 和发起方身份交给主机校验
func (c *Client) Pair(ctx context.Context, host model.Host, req PairRequest) (PairResponse, error) {
	var resp PairResponse
	body, err := c.do(ctx, http.MethodPost, host, "/api/pin", req, false)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) {
			switch {
			case se.Status == http.StatusForbidden:
				return resp, errors.Wrap(ErrRejected, se.Message)
			case se.Status == http.StatusGone || se.Status == http.StatusConflict:
				return resp, errors.Wrap(ErrNotArmed, se.Message)
			}
		}
		return resp, err
	}
	data := gjson.GetBytes(body, "data")
	resp.Paired = data.Get("paired").Bool()
	resp.Token = data.Get("token").String()
	if !resp.Paired {
		return resp, ErrRejected
	}
	return resp, nil
}

// Launch 在主机上启动应用并准备实时管道
func (c *Client) Launch(ctx context.Context, host model.Host, req LaunchRequest) (LaunchResponse, error) {
	var resp LaunchResponse
	body, err := c.do(ctx, http.MethodPost, host, "/api/launch", req, true)
	if err != nil {
		return resp, err
	}
	resp.SignalPath = gjson.GetBytes(body, "data.signal_path").String()
	if resp.SignalPath == "" {
		return resp, errors.Wrap(ErrBadResponse, "launch response without signal_path")
	}
	return resp, nil
}

// Stop 停止主机上的会话，主机侧幂等
func (c *Client) Stop(ctx context.Context, host model.Host, sessionID string) error {
	_, err := c.do(ctx, http.MethodPost, host, "/api/stop", map[string]string{"session_id": sessionID}, true)
	return err
}

func (c *Client) do(ctx context.Context, method string, host model.Host, path string, payload any, auth bool) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		buf, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "hostclient: encode request")
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(host.Address, "/")+path, reader)
	if err != nil {
		return nil, errors.Wrap(err, "hostclient: build request")
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if auth && host.Token != "" {
		req.Header.Set("Authorization", "Bearer "+host.Token)
	}
	otel.Inject(ctx, req.Header)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "hostclient: %s %s", method, path), ErrUnreachable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, c.cfg.MaxBodyBytes))
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "hostclient: read body"), ErrUnreachable)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, errors.Wrapf(ErrUnauthorized, "%s %s", method, path)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{
			Status:  resp.StatusCode,
			Reason:  gjson.GetBytes(body, "reason").String(),
			Message: gjson.GetBytes(body, "message").String(),
		}
	}
	return body, nil
}

func firstString(v gjson.Result, keys ...string) string {
	for _, k := range keys {
		if s := v.Get(k).String(); s != "" {
			return s
		}
	}
	return ""
}
