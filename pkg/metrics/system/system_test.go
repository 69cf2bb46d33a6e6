package system

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_Periodic(t *testing.T) {
	var n atomic.Int32
	c := NewWithSampler(10*time.Millisecond, func() (Stats, error) {
		i := n.Add(1)
		return Stats{CPUPercent: float64(i)}, nil
	})

	require.NoError(t, c.Start())
	require.NoError(t, c.Start())
	assert.GreaterOrEqual(t, c.Stats().CPUPercent, 1.0)

	assert.Eventually(t, func() bool { return c.Stats().CPUPercent >= 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, c.Stop())
	require.NoError(t, c.Stop())

	after := n.Load()
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, after, n.Load())
}

func TestCollector_KeepsLastGoodSample(t *testing.T) {
	fail := atomic.Bool{}
	c := NewWithSampler(time.Hour, func() (Stats, error) {
		if fail.Load() {
			return Stats{}, errors.New("boom")
		}
		return Stats{MemoryPercent: 42}, nil
	})
	require.NoError(t, c.Start())
	defer c.Stop()

	fail.Store(true)
	c.collect()
	assert.Equal(t, 42.0, c.Stats().MemoryPercent)
	assert.EqualError(t, c.Err(), "boom")
}

func TestSample(t *testing.T) {
	s, err := Sample()
	if err != nil {
		t.Skipf("host metrics unavailable: %v", err)
	}
	assert.GreaterOrEqual(t, s.MemoryPercent, 0.0)
	assert.Positive(t, s.Goroutines)
}
