package nal

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	sps   = []byte{0x67, 0x42, 0xc0, 0x1f, 0xda}
	pps   = []byte{0x68, 0xce, 0x3c, 0x80}
	idr   = []byte{0x65, 0x88, 0x84, 0x00, 0x33}
	slice = []byte{0x41, 0x9a, 0x02}
)

func annexB(units ...[]byte) []byte {
	var out []byte
	for i, u := range units {
		if i%2 == 0 {
			out = append(out, 0, 0, 0, 1)
		} else {
			out = append(out, 0, 0, 1)
		}
		out = append(out, u...)
	}
	return out
}

// terminate 写入一个起始码，结束缓冲区中的最后一个单元
func terminate(s *Splitter) []Unit {
	return s.Write([]byte{0, 0, 0, 1})
}

type drops struct {
	errs []error
}

func (d *drops) fn(err error, _ int) { d.errs = append(d.errs, err) }

func TestSplitter_WholeBuffer(t *testing.T) {
	s := NewSplitter(0, nil)
	units := s.Write(annexB(sps, pps, idr, slice))
	units = append(units, terminate(s)...)

	require.Len(t, units, 4)
	assert.Equal(t, TypeSPS, units[0].Type)
	assert.Equal(t, TypePPS, units[1].Type)
	assert.Equal(t, TypeIDR, units[2].Type)
	assert.Equal(t, TypeSlice, units[3].Type)
	assert.Equal(t, idr, units[2].Data)
}

func TestSplitter_ByteByByte(t *testing.T) {
	stream := annexB(sps, pps, idr, slice, slice)
	s := NewSplitter(0, nil)

	var units []Unit
	for _, b := range stream {
		units = append(units, s.Write([]byte{b})...)
	}
	units = append(units, terminate(s)...)

	require.Len(t, units, 5)
	assert.Equal(t, sps, units[0].Data)
	assert.Equal(t, slice, units[4].Data)
}

func TestSplitter_DropsMalformed(t *testing.T) {
	d := &drops{}
	s := NewSplitter(0, d.fn)

	forbidden := []byte{0xe5, 0x01}
	reserved := []byte{0x18, 0x01}
	shortSPS := []byte{0x67, 0x42}
	headerOnlySlice := []byte{0x41}

	units := s.Write(annexB(forbidden, sps, reserved, shortSPS, headerOnlySlice, idr))
	units = append(units, terminate(s)...)

	require.Len(t, units, 2)
	assert.Equal(t, TypeSPS, units[0].Type)
	assert.Equal(t, TypeIDR, units[1].Type)

	require.Len(t, d.errs, 4)
	assert.ErrorIs(t, d.errs[0], ErrForbiddenBit)
	assert.ErrorIs(t, d.errs[1], ErrReservedType)
	assert.ErrorIs(t, d.errs[2], ErrTruncated)
	assert.ErrorIs(t, d.errs[3], ErrTruncated)
}

func TestSplitter_OversizedUnitRecovers(t *testing.T) {
	d := &drops{}
	s := NewSplitter(8, d.fn)

	big := append([]byte{0x65}, make([]byte, 32)...)
	for i := 1; i < len(big); i++ {
		big[i] = 0xaa
	}

	units := s.Write(annexB(big))
	assert.Empty(t, units)
	require.NotEmpty(t, d.errs)
	assert.ErrorIs(t, d.errs[0], ErrUnitTooLarge)

	units = s.Write(annexB(slice, slice))
	units = append(units, terminate(s)...)
	require.Len(t, units, 2)
	assert.Equal(t, TypeSlice, units[0].Type)
}

func TestSplitter_LeadingGarbageIgnored(t *testing.T) {
	d := &drops{}
	s := NewSplitter(0, d.fn)

	units := s.Write(append([]byte{0xde, 0xad, 0xbe, 0xef}, annexB(idr, slice)...))
	units = append(units, terminate(s)...)
	require.Len(t, units, 2)
	assert.Empty(t, d.errs)
}

func TestAssembler(t *testing.T) {
	s := NewSplitter(0, nil)
	units := s.Write(annexB([]byte{0x09, 0xf0}, sps, pps, idr, slice))
	units = append(units, terminate(s)...)

	var a Assembler
	var frames []AccessUnit
	for _, u := range units {
		if au, ok := a.Push(u); ok {
			frames = append(frames, au)
		}
	}

	require.Len(t, frames, 2)
	assert.True(t, frames[0].Keyframe)
	assert.Len(t, frames[0].Units, 3)
	assert.False(t, frames[1].Keyframe)
	assert.Len(t, frames[1].Units, 1)

	encoded := frames[0].AnnexB()
	assert.Equal(t, []byte{0, 0, 0, 1}, encoded[:4])

	// 重新切分得到相同单元
	s2 := NewSplitter(0, nil)
	again := append(s2.Write(encoded), terminate(s2)...)
	require.Len(t, again, 3)
	assert.Equal(t, idr, again[2].Data)
}

func TestSplitter_DiscardUnterminatedTail(t *testing.T) {
	s := NewSplitter(0, nil)
	units := s.Write(annexB(sps, pps, idr))
	require.Len(t, units, 2)

	assert.Equal(t, len(idr), s.Discard())
	assert.Zero(t, s.Discard())

	// 起始码之后没有数据时不计入
	s.Write([]byte{0, 0, 0, 1})
	assert.Zero(t, s.Discard())

	units = s.Write(annexB(slice, slice))
	require.Len(t, units, 1)
	assert.Equal(t, TypeSlice, units[0].Type)
}
