package stream

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lk2023060901/xplay/pkg/logger"
	"github.com/lk2023060901/xplay/pkg/stream/nal"
	"github.com/panjf2000/ants/v2"
)

const defaultMaxUnitSize = 4 << 20

// FrameHandler 接收已校验的帧，由发送协程串行调用
type FrameHandler func(Frame)

// ErrorHandler 接收采集错误，异步调用
type ErrorHandler func(error)

// PipelineOption 管道选项
type PipelineOption func(*Pipeline)

// WithPipelineLogger 指定日志
func WithPipelineLogger(l logger.Logger) PipelineOption {
	return func(p *Pipeline) { p.logger = l }
}

// WithPool 发送协程运行在共享协程池上
func WithPool(pool *ants.Pool) PipelineOption {
	return func(p *Pipeline) { p.pool = pool }
}

// WithMaxUnitSize 单个 NAL 单元最大字节数
func WithMaxUnitSize(n int) PipelineOption {
	return func(p *Pipeline) { p.maxUnit = n }
}

// Pipeline 采集 → 单元校验 → 组帧 → 最新帧邮箱 → 发送
//
// 邮箱保留一个待发关键帧和一个最新帧：发送端跟不上时新帧替换旧帧，采集端永不阻塞。
// 待发关键帧只会被更新的关键帧替换，非关键帧不会挤掉它所依赖的关键帧。
type Pipeline struct {
	provider CaptureProvider
	logger   logger.Logger
	pool     *ants.Pool
	maxUnit  int

	mu  sync.Mutex
	run *captureRun

	cbMu    sync.RWMutex
	onFrame FrameHandler
	onError ErrorHandler

	framesIn      atomic.Uint64
	framesOut     atomic.Uint64
	framesDropped atomic.Uint64
	unitsDropped  atomic.Uint64
}

// captureRun 一次 StartCapture 到 StopCapture 之间的状态
type captureRun struct {
	p       *Pipeline
	cfg     CaptureConfig
	mailbox *mailbox
	stop    chan struct{}
	done    chan struct{}
	closed  atomic.Bool

	// 以下字段只在 sinkMu 下访问
	sinkMu    sync.Mutex
	splitter  *nal.Splitter
	assembler nal.Assembler
	seq       uint64
}

// mailbox 发送端的待发帧
type mailbox struct {
	mu     sync.Mutex
	key    *Frame
	latest *Frame
	ready  chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

// put 放入一帧，返回被替换丢弃的帧数
func (m *mailbox) put(f Frame) int {
	m.mu.Lock()
	dropped := 0
	if f.Keyframe {
		// 新关键帧之前的帧都不再需要
		if m.key != nil {
			dropped++
		}
		if m.latest != nil {
			dropped++
		}
		m.key, m.latest = &f, nil
	} else {
		if m.latest != nil {
			dropped++
		}
		m.latest = &f
	}
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return dropped
}

// take 按序取出下一帧：先关键帧，后最新帧
func (m *mailbox) take() (Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch {
	case m.key != nil:
		f := *m.key
		m.key = nil
		return f, true
	case m.latest != nil:
		f := *m.latest
		m.latest = nil
		return f, true
	}
	return Frame{}, false
}

// NewPipeline 创建管道
func NewPipeline(provider CaptureProvider, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		provider: provider,
		maxUnit:  defaultMaxUnitSize,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = logger.Default()
	}
	p.logger = p.logger.Named("stream.pipeline")
	return p
}

// OnFrame 设置帧回调
func (p *Pipeline) OnFrame(fn FrameHandler) {
	p.cbMu.Lock()
	p.onFrame = fn
	p.cbMu.Unlock()
}

// OnError 设置错误回调
func (p *Pipeline) OnError(fn ErrorHandler) {
	p.cbMu.Lock()
	p.onError = fn
	p.cbMu.Unlock()
}

// Provider 当前采集后端
func (p *Pipeline) Provider() CaptureProvider {
	return p.provider
}

// Running 是否正在采集
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.run != nil
}

// Stats 统计快照
func (p *Pipeline) Stats() Stats {
	return Stats{
		FramesIn:      p.framesIn.Load(),
		FramesOut:     p.framesOut.Load(),
		FramesDropped: p.framesDropped.Load(),
		UnitsDropped:  p.unitsDropped.Load(),
	}
}

// StartCapture 启动采集
func (p *Pipeline) StartCapture(cfg CaptureConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.run != nil {
		return ErrAlreadyCapturing
	}

	run := &captureRun{
		p:       p,
		cfg:     cfg,
		mailbox: newMailbox(),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	run.splitter = nal.NewSplitter(p.maxUnit, run.dropUnit)

	if p.pool != nil {
		if err := p.pool.Submit(run.sendLoop); err != nil {
			return fmt.Errorf("stream: submit sender: %w", err)
		}
	} else {
		go run.sendLoop()
	}

	if err := p.provider.Start(cfg, run); err != nil {
		close(run.stop)
		<-run.done
		return err
	}
	p.run = run
	p.logger.Info("pipeline started", "provider", p.provider.Name(), "hardware", p.provider.Hardware())
	return nil
}

// StopCapture 停止采集并同步释放资源，可重复调用
func (p *Pipeline) StopCapture() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	run := p.run
	if run == nil {
		return nil
	}
	p.run = nil

	err := p.provider.Stop()
	run.closed.Store(true)
	close(run.stop)
	<-run.done

	stats := p.Stats()
	p.logger.Info("pipeline stopped",
		"frames_in", stats.FramesIn,
		"frames_out", stats.FramesOut,
		"frames_dropped", stats.FramesDropped,
		"units_dropped", stats.UnitsDropped,
	)
	if err != nil {
		return fmt.Errorf("stream: stop capture: %w", err)
	}
	return nil
}

// Write 实现 Sink
func (r *captureRun) Write(chunk []byte) {
	if r.closed.Load() {
		return
	}
	r.sinkMu.Lock()
	defer r.sinkMu.Unlock()
	for _, u := range r.splitter.Write(chunk) {
		r.push(u)
	}
}

// Fail 实现 Sink；末尾未被起始码结束的单元可能被截断，丢弃不送出
func (r *captureRun) Fail(err error) {
	if r.closed.Load() {
		return
	}
	r.sinkMu.Lock()
	if n := r.splitter.Discard(); n > 0 {
		r.dropUnit(nal.ErrTruncated, n)
	}
	r.assembler.Reset()
	r.sinkMu.Unlock()
	r.p.reportError(err)
}

func (r *captureRun) push(u nal.Unit) {
	au, ok := r.assembler.Push(u)
	if !ok {
		return
	}
	r.p.framesIn.Add(1)

	r.seq++
	dropped := r.mailbox.put(Frame{
		Seq:       r.seq,
		Data:      au.AnnexB(),
		Keyframe:  au.Keyframe,
		Timestamp: time.Now(),
		Duration:  r.cfg.FrameInterval(),
	})
	if dropped > 0 {
		r.p.framesDropped.Add(uint64(dropped))
	}
}

func (r *captureRun) dropUnit(err error, size int) {
	r.p.unitsDropped.Add(1)
	r.p.logger.Warn("dropped malformed nal unit", "error", err, "size", size)
}

func (r *captureRun) sendLoop() {
	defer close(r.done)
	for {
		select {
		case <-r.stop:
			return
		case <-r.mailbox.ready:
		}
		for {
			f, ok := r.mailbox.take()
			if !ok {
				break
			}
			select {
			case <-r.stop:
				return
			default:
			}
			r.p.deliver(f)
		}
	}
}

func (p *Pipeline) deliver(f Frame) {
	p.cbMu.RLock()
	fn := p.onFrame
	p.cbMu.RUnlock()
	if fn == nil {
		p.framesDropped.Add(1)
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("frame handler panic", "panic", r, "seq", f.Seq)
			p.reportError(fmt.Errorf("stream: frame handler panic: %v", r))
		}
	}()
	fn(f)
	p.framesOut.Add(1)
}

func (p *Pipeline) reportError(err error) {
	p.cbMu.RLock()
	fn := p.onError
	p.cbMu.RUnlock()
	p.logger.Error("capture error", "error", err)
	if fn != nil {
		go fn(err)
	}
}
