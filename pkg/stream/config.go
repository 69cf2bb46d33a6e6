package stream

import (
	"fmt"
	"time"
)

// CaptureConfig 单次采集参数
type CaptureConfig struct {
	Width       int `mapstructure:"width" json:"width"`
	Height      int `mapstructure:"height" json:"height"`
	FPS         int `mapstructure:"fps" json:"fps"`
	BitrateKbps int `mapstructure:"bitrate_kbps" json:"bitrate_kbps"`
	// PreferHardware 优先使用硬件编码器
	PreferHardware bool `mapstructure:"prefer_hardware" json:"prefer_hardware"`
}

// DefaultCaptureConfig 1080p60 8Mbps
func DefaultCaptureConfig() *CaptureConfig {
	return &CaptureConfig{
		Width:       1920,
		Height:      1080,
		FPS:         60,
		BitrateKbps: 8000,
	}
}

// Validate 校验采集参数
func (c CaptureConfig) Validate() error {
	switch {
	case c.Width <= 0 || c.Height <= 0 || c.Width%2 != 0 || c.Height%2 != 0:
		return fmt.Errorf("%w: resolution %dx%d", ErrInvalidCaptureConfig, c.Width, c.Height)
	case c.FPS <= 0 || c.FPS > 240:
		return fmt.Errorf("%w: fps %d", ErrInvalidCaptureConfig, c.FPS)
	case c.BitrateKbps <= 0:
		return fmt.Errorf("%w: bitrate %d", ErrInvalidCaptureConfig, c.BitrateKbps)
	}
	return nil
}

// FrameInterval 帧间隔
func (c CaptureConfig) FrameInterval() time.Duration {
	if c.FPS <= 0 {
		return 0
	}
	return time.Second / time.Duration(c.FPS)
}

// ProviderConfig 采集后端配置
type ProviderConfig struct {
	// Type software | hardware | auto | file
	Type string `mapstructure:"type" json:"type"`
	// FFmpegPath 编码器可执行文件
	FFmpegPath string `mapstructure:"ffmpeg_path" json:"ffmpeg_path"`
	// InputFormat 采集输入格式，如 x11grab、kmsgrab、gdigrab、lavfi
	InputFormat string `mapstructure:"input_format" json:"input_format"`
	// Input 采集输入源，如 :0.0、desktop、testsrc2
	Input string `mapstructure:"input" json:"input"`
	// HardwareEncoder h264_nvenc | h264_vaapi | h264_qsv
	HardwareEncoder string `mapstructure:"hardware_encoder" json:"hardware_encoder"`
	// VAAPIDevice vaapi 渲染节点
	VAAPIDevice string `mapstructure:"vaapi_device" json:"vaapi_device"`
	// ExtraArgs 追加在输出参数之前
	ExtraArgs []string `mapstructure:"extra_args" json:"extra_args"`
	// File file 类型回放的 Annex-B 文件
	File string `mapstructure:"file" json:"file"`
	// ChunkSize 每次读取字节数
	ChunkSize int `mapstructure:"chunk_size" json:"chunk_size"`
	// StopTimeout 停止时等待进程退出的时间，超时后强制结束
	StopTimeout time.Duration `mapstructure:"stop_timeout" json:"stop_timeout"`
}

// DefaultProviderConfig 默认软件编码，x11grab 采集
func DefaultProviderConfig() *ProviderConfig {
	return &ProviderConfig{
		Type:            "auto",
		FFmpegPath:      "ffmpeg",
		InputFormat:     "x11grab",
		Input:           ":0.0",
		HardwareEncoder: "h264_nvenc",
		VAAPIDevice:     "/dev/dri/renderD128",
		ChunkSize:       64 << 10,
		StopTimeout:     3 * time.Second,
	}
}

// ICEServer STUN/TURN 服务器
type ICEServer struct {
	URLs       []string `mapstructure:"urls" json:"urls"`
	Username   string   `mapstructure:"username" json:"username,omitempty"`
	Credential string   `mapstructure:"credential" json:"credential,omitempty"`
}

// SignalingConfig 信令与传输配置
type SignalingConfig struct {
	// NegotiationTimeout 从创建到首次连通的上限
	NegotiationTimeout time.Duration `mapstructure:"negotiation_timeout" json:"negotiation_timeout"`
	// DisconnectGrace 断开后等待恢复的时间
	DisconnectGrace time.Duration `mapstructure:"disconnect_grace" json:"disconnect_grace"`
	ICEServers      []ICEServer   `mapstructure:"ice_servers" json:"ice_servers"`
	// UDPPortMin/UDPPortMax 限定 ICE 端口范围，0 表示不限
	UDPPortMin uint16 `mapstructure:"udp_port_min" json:"udp_port_min"`
	UDPPortMax uint16 `mapstructure:"udp_port_max" json:"udp_port_max"`
	// NAT1To1IPs 对外公布的主机地址
	NAT1To1IPs []string `mapstructure:"nat_1to1_ips" json:"nat_1to1_ips"`
}

// DefaultSignalingConfig 默认信令配置
func DefaultSignalingConfig() *SignalingConfig {
	return &SignalingConfig{
		NegotiationTimeout: 30 * time.Second,
		DisconnectGrace:    20 * time.Second,
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	}
}
