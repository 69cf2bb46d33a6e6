// Package system 采集主机负载（整机 CPU/内存），供探活接口上报。
package system

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Stats 主机负载快照
type Stats struct {
	// CPU 使用率 (0-100)
	CPUPercent float64 `json:"cpu_percent"`
	// 内存使用率 (0-100)
	MemoryPercent float64 `json:"memory_percent"`
	// 已用内存字节数
	MemoryUsedBytes uint64 `json:"memory_used_bytes"`
	// Goroutine 数量
	Goroutines int `json:"goroutines"`
	// 更新时间
	UpdatedAt time.Time `json:"updated_at"`
}

// Sampler 一次采样，测试时可替换
type Sampler func() (Stats, error)

// Collector 定期采样的负载收集器，实现 app.Server
type Collector struct {
	interval time.Duration
	sample   Sampler

	mu      sync.RWMutex
	stats   Stats
	lastErr error

	stopCh  chan struct{}
	done    chan struct{}
	running bool
}

// New 创建收集器，interval <= 0 时为 5s
func New(interval time.Duration) *Collector {
	return NewWithSampler(interval, Sample)
}

// NewWithSampler 使用自定义采样函数
func NewWithSampler(interval time.Duration, sample Sampler) *Collector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Collector{interval: interval, sample: sample}
}

// Start 立即采样一次并启动定期采样
func (c *Collector) Start() error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.done = make(chan struct{})
	stopCh, done := c.stopCh, c.done
	c.mu.Unlock()

	c.collect()

	go func() {
		defer close(done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-stopCh:
				return
			}
		}
	}()
	return nil
}

// Stop 停止采样
func (c *Collector) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	close(c.stopCh)
	done := c.done
	c.mu.Unlock()

	<-done
	return nil
}

func (c *Collector) collect() {
	stats, err := c.sample()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
	if err != nil {
		return
	}
	c.stats = stats
}

// Stats 最近一次成功的采样
func (c *Collector) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// Err 最近一次采样的错误
func (c *Collector) Err() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Sample 采样整机 CPU 与内存
func Sample() (Stats, error) {
	stats := Stats{Goroutines: runtime.NumGoroutine(), UpdatedAt: time.Now()}

	percentages, err := cpu.Percent(0, false)
	if err != nil {
		return stats, err
	}
	if len(percentages) > 0 {
		stats.CPUPercent = percentages[0]
	}

	v, err := mem.VirtualMemory()
	if err != nil {
		return stats, err
	}
	stats.MemoryPercent = v.UsedPercent
	stats.MemoryUsedBytes = v.Used
	return stats, nil
}
