// Package jfr reads async-profiler flavoured JFR 2.x recordings.
//
// Only the parts needed to rebuild stack samples are decoded: the chunk
// header, the constant pools of each checkpoint and execution sample events.
// Metadata events are skipped, so pool entry layouts are fixed.
package jfr

import (
	"bytes"
	"fmt"

	"github.com/span-profiler/internal/parser"
	"github.com/span-profiler/internal/parser/reader"
)

// Magic is the chunk magic "FLR\0".
var Magic = []byte{'F', 'L', 'R', 0}

// HeaderSize is the size of a chunk header in bytes.
const HeaderSize = 68

// Supported version.
const (
	MajorVersion    = 2
	MaxMinorVersion = 1
)

// Event type ids.
const (
	EventMetadata        = 0
	EventCheckpoint      = 1
	EventExecutionSample = 101
)

// Constant pool type ids.
const (
	PoolClass       = 21
	PoolThread      = 22
	PoolFrameType   = 24
	PoolThreadState = 25
	PoolStackTrace  = 26
	PoolMethod      = 28
	PoolPackage     = 29
	PoolSymbol      = 30
)

// Frame types as written by async-profiler.
const (
	FrameInterpreted = 0
	FrameJIT         = 1
	FrameInlined     = 2
	FrameNative      = 3
	FrameCPP         = 4
	FrameKernel      = 5
	FrameC1Compiled  = 6
)

// IsJavaFrame reports whether a frame type denotes a Java frame.
func IsJavaFrame(frameType byte) bool {
	switch frameType {
	case FrameInterpreted, FrameJIT, FrameInlined, FrameC1Compiled:
		return true
	default:
		return false
	}
}

// Header is a chunk header.
type Header struct {
	Major          uint16
	Minor          uint16
	ChunkSize      int64
	CPOffset       int64
	MetaOffset     int64
	StartNanos     int64
	DurationNanos  int64
	StartTicks     int64
	TicksPerSecond int64
	Features       int32
}

// Sniff reports whether head starts with the chunk magic.
func Sniff(head []byte) bool {
	return bytes.HasPrefix(head, Magic)
}

// ReadHeader reads and validates the chunk header at the current position.
func ReadHeader(r *reader.Reader) (*Header, error) {
	magic, err := r.ReadBytes(len(Magic))
	if err != nil {
		return nil, fmt.Errorf("%w: reading magic: %v", parser.ErrInvalidFormat, err)
	}
	if !bytes.Equal(magic, Magic) {
		return nil, fmt.Errorf("%w: bad magic %q", parser.ErrInvalidFormat, magic)
	}

	h := &Header{}
	fields := []interface{}{&h.Major, &h.Minor, &h.ChunkSize, &h.CPOffset, &h.MetaOffset,
		&h.StartNanos, &h.DurationNanos, &h.StartTicks, &h.TicksPerSecond, &h.Features}
	for _, f := range fields {
		var err error
		switch p := f.(type) {
		case *uint16:
			*p, err = r.ReadU16()
		case *int64:
			*p, err = r.ReadI64()
		case *int32:
			*p, err = r.ReadI32()
		}
		if err != nil {
			return nil, fmt.Errorf("%w: truncated header: %v", parser.ErrInvalidFormat, err)
		}
	}

	if err := h.validate(r.Size()); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Header) validate(fileSize int64) error {
	if h.Major != MajorVersion || h.Minor > MaxMinorVersion {
		return fmt.Errorf("%w: unsupported version %d.%d", parser.ErrInvalidFormat, h.Major, h.Minor)
	}
	if h.ChunkSize < HeaderSize || h.ChunkSize > fileSize {
		return fmt.Errorf("%w: chunk size %d outside file of %d bytes", parser.ErrInvalidFormat, h.ChunkSize, fileSize)
	}
	if h.CPOffset < HeaderSize || h.CPOffset >= h.ChunkSize {
		return fmt.Errorf("%w: checkpoint offset %d outside chunk", parser.ErrInvalidFormat, h.CPOffset)
	}
	if h.TicksPerSecond <= 0 {
		return fmt.Errorf("%w: ticks per second %d", parser.ErrInvalidFormat, h.TicksPerSecond)
	}
	return nil
}

// TicksToNanos converts an event tick counter into epoch nanoseconds.
func (h *Header) TicksToNanos(ticks int64) int64 {
	d := ticks - h.StartTicks
	secs := d / h.TicksPerSecond
	rem := d % h.TicksPerSecond
	return h.StartNanos + secs*1_000_000_000 + rem*1_000_000_000/h.TicksPerSecond
}
