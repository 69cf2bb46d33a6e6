package stream

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lk2023060901/xplay/pkg/logger"
)

// ExecProvider 通过编码器子进程采集，stdout 输出 Annex-B H.264
type ExecProvider struct {
	name     string
	hardware bool
	encoder  string
	cfg      *ProviderConfig
	logger   logger.Logger

	// argv 生成子进程参数，测试中替换
	argv func(cfg CaptureConfig) []string

	mu  sync.Mutex
	run *execRun
}

type execRun struct {
	cmd      *exec.Cmd
	done     chan struct{}
	stopping atomic.Bool
	stderr   *tailBuffer
}

// NewSoftwareProvider libx264 软件编码
func NewSoftwareProvider(cfg *ProviderConfig, l logger.Logger) *ExecProvider {
	p := &ExecProvider{
		name:    ProviderSoftware,
		encoder: "libx264",
		cfg:     cfg,
		logger:  l.Named("stream.capture.software"),
	}
	p.argv = p.ffmpegArgs
	return p
}

// NewHardwareProvider 硬件编码，编码器由 HardwareEncoder 指定
func NewHardwareProvider(cfg *ProviderConfig, l logger.Logger) *ExecProvider {
	enc := cfg.HardwareEncoder
	if enc == "" {
		enc = "h264_nvenc"
	}
	p := &ExecProvider{
		name:     ProviderHardware,
		hardware: true,
		encoder:  enc,
		cfg:      cfg,
		logger:   l.Named("stream.capture.hardware"),
	}
	p.argv = p.ffmpegArgs
	return p
}

func (p *ExecProvider) Name() string   { return p.name + ":" + p.encoder }
func (p *ExecProvider) Hardware() bool { return p.hardware }

// Start 启动编码器子进程
func (p *ExecProvider) Start(cfg CaptureConfig, sink Sink) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run != nil {
		return ErrAlreadyCapturing
	}

	cmd := exec.Command(p.cfg.FFmpegPath, p.argv(cfg)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stream: stdout pipe: %w", err)
	}
	run := &execRun{cmd: cmd, done: make(chan struct{}), stderr: &tailBuffer{max: 4096}}
	cmd.Stderr = run.stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("stream: start %s: %w", p.cfg.FFmpegPath, err)
	}
	p.run = run
	p.logger.Info("capture started",
		"encoder", p.encoder,
		"pid", cmd.Process.Pid,
		"resolution", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"fps", cfg.FPS,
		"bitrate_kbps", cfg.BitrateKbps,
	)

	go p.readLoop(run, stdout, sink)
	return nil
}

func (p *ExecProvider) readLoop(run *execRun, stdout io.Reader, sink Sink) {
	defer close(run.done)

	size := p.cfg.ChunkSize
	if size <= 0 {
		size = 64 << 10
	}
	buf := make([]byte, size)
	for {
		n, err := stdout.Read(buf)
		if n > 0 {
			sink.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}

	waitErr := run.cmd.Wait()
	if run.stopping.Load() {
		return
	}
	p.logger.Error("encoder exited", "error", waitErr, "stderr", run.stderr.String())
	sink.Fail(fmt.Errorf("%w: %s: %v", ErrProviderExited, p.encoder, waitErr))
}

// Stop 先中断再强制结束，等待读循环退出
func (p *ExecProvider) Stop() error {
	p.mu.Lock()
	run := p.run
	p.run = nil
	p.mu.Unlock()
	if run == nil {
		return nil
	}
	run.stopping.Store(true)

	timeout := p.cfg.StopTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}

	if err := run.cmd.Process.Signal(os.Interrupt); err == nil {
		select {
		case <-run.done:
			p.logger.Info("capture stopped", "encoder", p.encoder)
			return nil
		case <-time.After(timeout):
			p.logger.Warn("encoder ignored interrupt, killing", "encoder", p.encoder)
		}
	}

	if err := run.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("stream: kill encoder: %w", err)
	}
	select {
	case <-run.done:
		p.logger.Info("capture stopped", "encoder", p.encoder)
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: encoder output not released", ErrProviderStopped)
	}
}

func (p *ExecProvider) ffmpegArgs(cfg CaptureConfig) []string {
	size := strconv.Itoa(cfg.Width) + "x" + strconv.Itoa(cfg.Height)
	gop := strconv.Itoa(cfg.FPS * 2)
	rate := strconv.Itoa(cfg.BitrateKbps) + "k"
	bufsize := strconv.Itoa(max(cfg.BitrateKbps/2, 1)) + "k"
	scale := "scale=" + strconv.Itoa(cfg.Width) + ":" + strconv.Itoa(cfg.Height)

	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	if p.encoder == "h264_vaapi" {
		args = append(args, "-vaapi_device", p.cfg.VAAPIDevice)
	}

	args = append(args, "-f", p.cfg.InputFormat)
	if p.cfg.InputFormat != "lavfi" {
		args = append(args, "-framerate", strconv.Itoa(cfg.FPS), "-video_size", size)
	}
	args = append(args, "-i", p.cfg.Input, "-an")

	switch p.encoder {
	case "libx264":
		args = append(args,
			"-vf", scale, "-pix_fmt", "yuv420p",
			"-c:v", "libx264", "-preset", "ultrafast", "-tune", "zerolatency",
			"-profile:v", "baseline",
			"-x264-params", "slices=1:repeat-headers=1:scenecut=0",
		)
	case "h264_nvenc":
		args = append(args,
			"-vf", scale, "-pix_fmt", "yuv420p",
			"-c:v", "h264_nvenc", "-preset", "p1", "-tune", "ull", "-zerolatency", "1",
			"-rc", "cbr", "-profile:v", "baseline", "-forced-idr", "1",
		)
	case "h264_vaapi":
		args = append(args,
			"-vf", "format=nv12,hwupload,scale_vaapi=w="+strconv.Itoa(cfg.Width)+":h="+strconv.Itoa(cfg.Height),
			"-c:v", "h264_vaapi", "-profile:v", "constrained_baseline",
		)
	case "h264_qsv":
		args = append(args,
			"-vf", scale, "-pix_fmt", "nv12",
			"-c:v", "h264_qsv", "-preset", "veryfast", "-look_ahead", "0",
		)
	default:
		args = append(args, "-vf", scale, "-c:v", p.encoder)
	}

	args = append(args, "-g", gop, "-bf", "0", "-b:v", rate, "-maxrate", rate, "-bufsize", bufsize)
	if p.hardware {
		args = append(args, "-bsf:v", "dump_extra=freq=keyframe")
	}
	args = append(args, p.cfg.ExtraArgs...)
	return append(args, "-f", "h264", "-")
}

// tailBuffer 保留 stderr 最后 max 字节
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if over := b.buf.Len() - b.max; over > 0 {
		b.buf.Next(over)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
