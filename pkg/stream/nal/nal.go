// Package nal 实现 H.264 Annex-B 字节流的 NAL 单元切分、校验与按帧组装。
//
// 采集端输出的是任意切片的字节块，单元边界由起始码 00 00 01 / 00 00 00 01 标识。
// Splitter 负责跨块重组，Assembler 将单元按访问单元（帧）聚合。
package nal

import (
	"bytes"
	"errors"
	"fmt"
)

// Type NAL 单元类型（H.264 nal_unit_type）
type Type uint8

const (
	TypeSlice Type = 1
	TypeIDR   Type = 5
	TypeSEI   Type = 6
	TypeSPS   Type = 7
	TypePPS   Type = 8
	TypeAUD   Type = 9
)

// IsVCL 是否为视频编码层单元（携带图像数据）
func (t Type) IsVCL() bool {
	return t >= 1 && t <= 5
}

func (t Type) String() string {
	switch t {
	case TypeSlice:
		return "slice"
	case TypeIDR:
		return "idr"
	case TypeSEI:
		return "sei"
	case TypeSPS:
		return "sps"
	case TypePPS:
		return "pps"
	case TypeAUD:
		return "aud"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

var (
	ErrEmptyUnit    = errors.New("nal: empty unit")
	ErrForbiddenBit = errors.New("nal: forbidden_zero_bit set")
	ErrReservedType = errors.New("nal: reserved or unspecified unit type")
	ErrTruncated    = errors.New("nal: truncated unit")
	ErrUnitTooLarge = errors.New("nal: unit exceeds size limit")
)

// Unit 单个 NAL 单元，Data 不含起始码，首字节为 NAL 头
type Unit struct {
	Type Type
	Data []byte
}

// 各类型要求的最小长度（含 1 字节头）
func minLen(t Type) int {
	switch {
	case t.IsVCL():
		return 2
	case t == TypeSPS:
		return 4
	case t == TypePPS:
		return 2
	default:
		return 1
	}
}

// Parse 校验单元并返回类型
func Parse(data []byte) (Unit, error) {
	if len(data) == 0 {
		return Unit{}, ErrEmptyUnit
	}
	hdr := data[0]
	if hdr&0x80 != 0 {
		return Unit{}, ErrForbiddenBit
	}
	t := Type(hdr & 0x1f)
	if t == 0 || t > 23 {
		return Unit{}, ErrReservedType
	}
	if len(data) < minLen(t) {
		return Unit{}, fmt.Errorf("%w: %s with %d bytes", ErrTruncated, t, len(data))
	}
	return Unit{Type: t, Data: data}, nil
}

var startCode = []byte{0, 0, 1}

// DropFunc 丢弃非法单元时回调
type DropFunc func(err error, size int)

// Splitter 跨字节块的 Annex-B 切分器，非并发安全
type Splitter struct {
	buf     []byte
	maxUnit int
	synced  bool
	onDrop  DropFunc
}

// NewSplitter 创建切分器，maxUnit 为单元最大字节数
func NewSplitter(maxUnit int, onDrop DropFunc) *Splitter {
	if onDrop == nil {
		onDrop = func(error, int) {}
	}
	return &Splitter{maxUnit: maxUnit, onDrop: onDrop}
}

// Write 追加字节块并返回其中所有完整且合法的单元
// 最后一个单元在下一个起始码到达前保留在缓冲区中。
func (s *Splitter) Write(chunk []byte) []Unit {
	s.buf = append(s.buf, chunk...)

	var out []Unit
	for {
		start := bytes.Index(s.buf, startCode)
		if start < 0 {
			s.discardGarbage()
			return out
		}
		if !s.synced || start > 0 {
			// 首个起始码之前的字节不属于任何单元
			if lead := trimZeros(s.buf[:start]); lead > 0 && s.synced {
				s.onDrop(ErrTruncated, lead)
			}
			s.synced = true
		}
		body := s.buf[start+len(startCode):]
		next := bytes.Index(body, startCode)
		if next < 0 {
			s.buf = s.buf[start:]
			if s.maxUnit > 0 && len(body) > s.maxUnit {
				s.onDrop(ErrUnitTooLarge, len(body))
				s.buf = s.buf[:0]
				s.synced = false
			}
			return out
		}
		// 四字节起始码的前导 0 属于下一个起始码
		if unit := bytes.TrimRight(body[:next], "\x00"); len(unit) > 0 {
			if u, ok := s.emit(unit); ok {
				out = append(out, u)
			}
		}
		s.buf = body[next:]
	}
}

// Discard 丢弃尚未被后续起始码结束的单元，返回其字节数（无则为 0）
func (s *Splitter) Discard() int {
	n := 0
	if start := bytes.Index(s.buf, startCode); start >= 0 {
		n = trimZeros(s.buf[start+len(startCode):])
	}
	s.Reset()
	return n
}

// Reset 丢弃缓冲区并等待下一个起始码
func (s *Splitter) Reset() {
	s.buf = s.buf[:0]
	s.synced = false
}

func (s *Splitter) emit(data []byte) (Unit, bool) {
	if s.maxUnit > 0 && len(data) > s.maxUnit {
		s.onDrop(ErrUnitTooLarge, len(data))
		return Unit{}, false
	}
	u, err := Parse(data)
	if err != nil {
		s.onDrop(err, len(data))
		return Unit{}, false
	}
	// 拷贝出缓冲区，避免后续 append 覆盖
	u.Data = append([]byte(nil), data...)
	return u, true
}

// 未找到起始码时只保留末尾可能构成起始码前缀的 2 字节
func (s *Splitter) discardGarbage() {
	if s.synced {
		if s.maxUnit > 0 && len(s.buf) > s.maxUnit {
			s.onDrop(ErrUnitTooLarge, len(s.buf))
			s.buf = s.buf[:0]
			s.synced = false
		}
		return
	}
	if n := len(s.buf); n > 2 {
		s.buf = append(s.buf[:0], s.buf[n-2:]...)
	}
}

func trimZeros(b []byte) int {
	return len(bytes.TrimRight(b, "\x00"))
}

// AccessUnit 一帧对应的单元集合
type AccessUnit struct {
	Units    []Unit
	Keyframe bool
}

// AnnexB 以四字节起始码重新编码
func (a AccessUnit) AnnexB() []byte {
	size := 0
	for _, u := range a.Units {
		size += 4 + len(u.Data)
	}
	out := make([]byte, 0, size)
	for _, u := range a.Units {
		out = append(out, 0, 0, 0, 1)
		out = append(out, u.Data...)
	}
	return out
}

// Assembler 按帧聚合单元：参数集/SEI 附着到其后的首个 VCL 单元上，
// 每个 VCL 单元结束一帧（编码器按单 slice 输出）。
type Assembler struct {
	pending []Unit
}

// Push 加入单元，凑满一帧时返回
func (a *Assembler) Push(u Unit) (AccessUnit, bool) {
	if u.Type == TypeAUD {
		return AccessUnit{}, false
	}
	a.pending = append(a.pending, u)
	if !u.Type.IsVCL() {
		return AccessUnit{}, false
	}

	au := AccessUnit{Units: a.pending, Keyframe: u.Type == TypeIDR}
	a.pending = nil
	return au, true
}

// Reset 丢弃未完成的帧
func (a *Assembler) Reset() {
	a.pending = nil
}
