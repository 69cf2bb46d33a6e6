package stream

import (
	"fmt"
	"strings"

	"github.com/lk2023060901/xplay/pkg/config"
	"github.com/lk2023060901/xplay/pkg/logger"
)

// Sink 接收采集后端输出的编码字节流，块边界任意
type Sink interface {
	// Write 写入一段 Annex-B 字节，调用方保证同一 Sink 上串行调用
	Write(chunk []byte)
	// Fail 后端异常退出
	Fail(err error)
}

// CaptureProvider 采集/编码后端
type CaptureProvider interface {
	Name() string
	Hardware() bool
	// Start 启动采集，非阻塞
	Start(cfg CaptureConfig, sink Sink) error
	// Stop 同步释放全部采集资源，可重复调用
	Stop() error
}

// 后端类型
const (
	ProviderSoftware = "software"
	ProviderHardware = "hardware"
	ProviderAuto     = "auto"
	ProviderFile     = "file"
)

// NewProvider 按配置选择采集后端
func NewProvider(cfg *ProviderConfig, l logger.Logger) (CaptureProvider, error) {
	newCfg, err := config.MergeConfig(DefaultProviderConfig(), cfg)
	if err != nil {
		return nil, err
	}
	if l == nil {
		l = logger.Default()
	}

	switch strings.ToLower(newCfg.Type) {
	case ProviderSoftware:
		return NewSoftwareProvider(newCfg, l), nil
	case ProviderHardware:
		return NewHardwareProvider(newCfg, l), nil
	case ProviderAuto, "":
		return &autoProvider{
			hw:     NewHardwareProvider(newCfg, l),
			sw:     NewSoftwareProvider(newCfg, l),
			logger: l.Named("stream.capture.auto"),
		}, nil
	case ProviderFile:
		if newCfg.File == "" {
			return nil, fmt.Errorf("%w: file provider requires file", ErrInvalidCaptureConfig)
		}
		return NewFileProvider(newCfg.File, newCfg.ChunkSize), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, newCfg.Type)
	}
}

// autoProvider 按 PreferHardware 选择，硬件启动失败时回退软件编码
type autoProvider struct {
	hw, sw CaptureProvider
	active CaptureProvider
	logger logger.Logger
}

func (p *autoProvider) Name() string {
	if p.active != nil {
		return p.active.Name()
	}
	return ProviderAuto
}

func (p *autoProvider) Hardware() bool {
	return p.active != nil && p.active.Hardware()
}

func (p *autoProvider) Start(cfg CaptureConfig, sink Sink) error {
	if p.active != nil {
		return ErrAlreadyCapturing
	}
	if cfg.PreferHardware {
		err := p.hw.Start(cfg, sink)
		if err == nil {
			p.active = p.hw
			return nil
		}
		p.logger.Warn("hardware encoder unavailable, falling back to software", "error", err)
	}
	if err := p.sw.Start(cfg, sink); err != nil {
		return err
	}
	p.active = p.sw
	return nil
}

func (p *autoProvider) Stop() error {
	if p.active == nil {
		return nil
	}
	err := p.active.Stop()
	p.active = nil
	return err
}
