package stream

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// OpenFunc 打开一路已编码的 Annex-B 字节流
type OpenFunc func() (io.ReadCloser, error)

// ReaderProvider 从已编码字节流回放，按目标码率节流
type ReaderProvider struct {
	name  string
	open  OpenFunc
	chunk int
	loop  bool

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// NewReaderProvider 创建回放后端；loop 为 true 时读到结尾重新打开
func NewReaderProvider(name string, open OpenFunc, chunk int, loop bool) *ReaderProvider {
	if chunk <= 0 {
		chunk = 4096
	}
	return &ReaderProvider{name: name, open: open, chunk: chunk, loop: loop}
}

// NewFileProvider 循环回放文件
func NewFileProvider(path string, chunk int) *ReaderProvider {
	return NewReaderProvider(ProviderFile, func() (io.ReadCloser, error) {
		return os.Open(path)
	}, chunk, true)
}

func (p *ReaderProvider) Name() string   { return p.name }
func (p *ReaderProvider) Hardware() bool { return false }

func (p *ReaderProvider) Start(cfg CaptureConfig, sink Sink) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop != nil {
		return ErrAlreadyCapturing
	}

	rc, err := p.open()
	if err != nil {
		return fmt.Errorf("stream: open %s: %w", p.name, err)
	}
	p.stop = make(chan struct{})
	p.done = make(chan struct{})

	// 每块字节按码率折算的发送间隔
	interval := time.Duration(int64(p.chunk) * 8 * int64(time.Second) / (int64(cfg.BitrateKbps) * 1000))
	go p.readLoop(rc, interval, sink, p.stop, p.done)
	return nil
}

func (p *ReaderProvider) readLoop(rc io.ReadCloser, interval time.Duration, sink Sink, stop, done chan struct{}) {
	defer close(done)
	defer func() { rc.Close() }()

	buf := make([]byte, p.chunk)
	for {
		select {
		case <-stop:
			return
		default:
		}

		n, err := rc.Read(buf)
		if n > 0 {
			sink.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) && p.loop {
			rc.Close()
			next, openErr := p.open()
			if openErr != nil {
				rc, err = io.NopCloser(strings.NewReader("")), openErr
			} else {
				rc, err = next, nil
			}
		}
		if err != nil {
			select {
			case <-stop:
			default:
				sink.Fail(fmt.Errorf("%w: %s: %v", ErrProviderExited, p.name, err))
			}
			return
		}

		if interval > time.Millisecond {
			select {
			case <-stop:
				return
			case <-time.After(interval):
			}
		}
	}
}

func (p *ReaderProvider) Stop() error {
	p.mu.Lock()
	stop, done := p.stop, p.done
	p.stop, p.done = nil, nil
	p.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}
