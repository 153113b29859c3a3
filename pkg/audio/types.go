// Package audio defines the capture and playback primitives used by a
// realtime coaching session.
//
// The two primary abstractions are:
//
//   - [Source]: a live stream of captured PCM frames (the microphone).
//   - [Sink]: a destination for the persona's decoded speech (the speaker).
//
// A [Device] hands out a Source on demand; acquiring it may fail when the
// capture device is missing or access is denied. Transports in
// pkg/realtime/... consume a Source and feed a Sink; they never own either.
package audio

import (
	"context"
	"time"
)

// Frame is a single chunk of 16-bit little-endian PCM audio.
type Frame struct {
	// Data holds interleaved int16 samples.
	Data []byte

	// SampleRate in Hz (48000 for WebRTC Opus, 24000 for the realtime
	// WebSocket PCM format).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Duration returns the playback length of the frame.
func (f Frame) Duration() time.Duration {
	if f.SampleRate <= 0 || f.Channels <= 0 {
		return 0
	}
	samples := len(f.Data) / 2 / f.Channels
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// Format describes the sample rate and channel count of an audio stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Format returns the frame's format.
func (f Frame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Source is a live capture stream.
//
// The channel returned by Frames is closed when the stream ends, either
// because the underlying input is exhausted or because Close was called.
// Close is idempotent.
type Source interface {
	Frames() <-chan Frame
	Close() error
}

// Sink receives decoded playback audio. Implementations must tolerate writes
// from a single transport goroutine; Close is idempotent.
type Sink interface {
	Write(Frame) error
	Close() error
}

// Device acquires a capture [Source]. Errors are classified as
// [types.KindDeviceAccess] by implementations in this package.
type Device interface {
	Acquire(ctx context.Context) (Source, error)
}

// Discard is a [Sink] that drops every frame.
var Discard Sink = discard{}

type discard struct{}

func (discard) Write(Frame) error { return nil }
func (discard) Close() error      { return nil }
