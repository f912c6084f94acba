// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_buffer

import (
	"errors"
	"sync"

	internal_audio "github.com/rapidaai/audio-stream/internal/audio"
)

var (
	ErrBufferFull  = errors.New("ring buffer full")
	ErrBufferEmpty = errors.New("ring buffer empty")
	ErrChunkSize   = errors.New("frame is not one chunk")
)

// ChunksPerSecond is the number of 20 ms frames in one second of audio.
const ChunksPerSecond = 1000 / internal_audio.FrameDurationMs

// RingFrameBuffer is a fixed-capacity byte ring operating at chunk (one wire
// frame) granularity. A single producer writes on the capture path and a
// single consumer reads on the transport path; both share one mutex.
//
// The generated/last-send clocks are a logical media clock: they advance by
// exactly one frame step per chunk and deliberately ignore socket stalls, so
// media timestamps stay contiguous across transport hiccups.
type RingFrameBuffer struct {
	mu sync.Mutex

	streamID  string
	chunkSize int
	capacity  int

	data  []byte
	head  int // next read offset
	tail  int // next write offset
	inUse int

	generatedTime uint64 // µs, advances on write
	lastSendTime  uint64 // µs, advances on read

	generatedChunks   uint64
	transmittedChunks uint64

	// degradation milestone counter: thresholds at 30%, 60%, 90% of capacity
	notifCounter int
}

// NewRingFrameBuffer sizes the ring for bufferSecs seconds of chunkSize
// frames. Capacity is always a whole number of chunks, so chunks never wrap
// mid-frame.
func NewRingFrameBuffer(streamID string, chunkSize, bufferSecs int) *RingFrameBuffer {
	capacity := chunkSize * ChunksPerSecond * bufferSecs
	return &RingFrameBuffer{
		streamID:  streamID,
		chunkSize: chunkSize,
		capacity:  capacity,
		data:      make([]byte, capacity),
	}
}

// Lock acquires the buffer mutex.
func (r *RingFrameBuffer) Lock() { r.mu.Lock() }

// TryLock attempts to acquire the buffer mutex without blocking.
func (r *RingFrameBuffer) TryLock() bool { return r.mu.TryLock() }

// Unlock releases the buffer mutex.
func (r *RingFrameBuffer) Unlock() { r.mu.Unlock() }

// Write copies exactly one chunk into the ring. The caller must hold the
// lock. The write either succeeds atomically or fails without partial write.
func (r *RingFrameBuffer) Write(frame []byte) error {
	if len(frame) != r.chunkSize {
		return ErrChunkSize
	}
	if r.capacity-r.inUse < r.chunkSize {
		return ErrBufferFull
	}
	copy(r.data[r.tail:], frame)
	r.tail += r.chunkSize
	if r.tail == r.capacity {
		r.tail = 0
	}
	r.inUse += r.chunkSize
	r.generatedTime += internal_audio.FrameStepMicros
	r.generatedChunks++
	return nil
}

// Read copies exactly one chunk out of the ring into out. The caller must
// hold the lock.
func (r *RingFrameBuffer) Read(out []byte) error {
	if len(out) != r.chunkSize {
		return ErrChunkSize
	}
	if r.inUse < r.chunkSize {
		return ErrBufferEmpty
	}
	copy(out, r.data[r.head:r.head+r.chunkSize])
	r.head += r.chunkSize
	if r.head == r.capacity {
		r.head = 0
	}
	r.inUse -= r.chunkSize
	r.lastSendTime += internal_audio.FrameStepMicros
	r.transmittedChunks++
	return nil
}

// ShouldSignalDegradation reports whether the fill level has crossed the
// next 30% milestone since the last signal, advancing the milestone when it
// has. Call after a successful Write, holding the lock. The caller emits one
// CONNECTION_DEGRADED event per true return, so consumers get the earliest
// evidence of backlog without a flood.
func (r *RingFrameBuffer) ShouldSignalDegradation() bool {
	threshold := r.capacity * 3 * (r.notifCounter + 1) / 10
	if r.inUse > threshold {
		r.notifCounter++
		return true
	}
	return false
}

// StreamID returns the owning stream id.
func (r *RingFrameBuffer) StreamID() string { return r.streamID }

// ChunkSize returns the wire frame size in bytes.
func (r *RingFrameBuffer) ChunkSize() int { return r.chunkSize }

// Capacity returns the maximum capacity in bytes.
func (r *RingFrameBuffer) Capacity() int { return r.capacity }

// InUse returns the buffered byte count. The caller must hold the lock.
func (r *RingFrameBuffer) InUse() int { return r.inUse }

// Empty reports whether no full chunk is buffered. The caller must hold the
// lock.
func (r *RingFrameBuffer) Empty() bool { return r.inUse < r.chunkSize }

// LastSendTime returns the send-side media clock in microseconds. The caller
// must hold the lock.
func (r *RingFrameBuffer) LastSendTime() uint64 { return r.lastSendTime }

// GeneratedChunks returns the number of chunks written.
func (r *RingFrameBuffer) GeneratedChunks() uint64 { return r.generatedChunks }

// TransmittedChunks returns the number of chunks read.
func (r *RingFrameBuffer) TransmittedChunks() uint64 { return r.transmittedChunks }
