package app

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lk2023060901/xplay/pkg/logger"
	"github.com/stretchr/testify/assert"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, s)
}

type fakeServer struct {
	rec     *recorder
	name    string
	stopErr error
}

func (s *fakeServer) Start() error { s.rec.add("start:" + s.name); return nil }
func (s *fakeServer) Stop() error  { s.rec.add("stop:" + s.name); return s.stopErr }

func TestShutdown_ClosersLIFO(t *testing.T) {
	rec := &recorder{}
	a := NewBaseApp(WithName("test"), WithLogger(logger.NewNoop()), WithStopTimeout(time.Second))

	a.AppendServer(&fakeServer{rec: rec, name: "http"})
	a.AppendCloser(CloserFunc(func() error { rec.add("close:redis"); return nil }))
	a.AppendCloser(CloserFunc(func() error { rec.add("close:capture"); return nil }))

	assert.NoError(t, a.Shutdown())
	assert.Equal(t, []string{"stop:http", "close:capture", "close:redis"}, rec.calls)

	// 二次调用无副作用
	assert.NoError(t, a.Shutdown())
	assert.Len(t, rec.calls, 3)

	select {
	case <-a.Context().Done():
	default:
		t.Fatal("app context should be cancelled after shutdown")
	}
}

func TestShutdown_ReportsStopError(t *testing.T) {
	rec := &recorder{}
	stopErr := errors.New("listener stuck")
	a := NewBaseApp(WithLogger(logger.NewNoop()), WithStopTimeout(time.Second))
	a.AppendServer(&fakeServer{rec: rec, name: "http", stopErr: stopErr})

	assert.ErrorIs(t, a.Shutdown(), stopErr)
}
