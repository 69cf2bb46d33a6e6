package stream

import "time"

// Frame 一帧已编码视频（Annex-B 字节流，已校验单元边界）
type Frame struct {
	Seq       uint64
	Data      []byte
	Keyframe  bool
	Timestamp time.Time
	Duration  time.Duration
}

// Stats 管道统计
type Stats struct {
	FramesIn      uint64 `json:"frames_in"`
	FramesOut     uint64 `json:"frames_out"`
	FramesDropped uint64 `json:"frames_dropped"`
	UnitsDropped  uint64 `json:"units_dropped"`
}
