package audio

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/MrWong99/voicecoach/pkg/types"
)

// FrameDuration is the capture cadence used by every [Source] in this package.
const FrameDuration = 20 * time.Millisecond

// FileDevice is a [Device] backed by a PCM16 WAV file. It stands in for a
// microphone on hosts without one (CLI runs, tests, load generation).
type FileDevice struct {
	// Path of the WAV file to play as captured audio.
	Path string

	// Target is the format frames are converted to. Zero means 48 kHz mono.
	Target Format

	// Realtime paces frames at [FrameDuration]. When false, frames are
	// emitted as fast as the consumer reads them.
	Realtime bool

	// OnEnd, when set, is called once the whole file has been delivered. It
	// is not called when the source is closed early.
	OnEnd func()
}

var _ Device = (*FileDevice)(nil)

// Acquire opens and decodes the file. A missing or unreadable file is reported
// as [types.KindDeviceAccess], the same class as a denied microphone.
func (d *FileDevice) Acquire(ctx context.Context) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	pcm, format, err := readWAV(d.Path)
	if err != nil {
		return nil, types.Wrap(types.KindDeviceAccess, "acquire audio device", err)
	}
	target := d.Target
	if target == (Format{}) {
		target = Format{SampleRate: 48000, Channels: 1}
	}
	converted := Convert(Frame{Data: pcm, SampleRate: format.SampleRate, Channels: format.Channels}, target)
	return newBufferSource(converted.Data, target, d.Realtime, d.OnEnd), nil
}

// readWAV decodes a 16-bit PCM WAV file.
func readWAV(path string) ([]byte, Format, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, Format{}, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, Format{}, fmt.Errorf("%s: not a valid WAV file", path)
	}
	if dec.BitDepth != 16 {
		return nil, Format{}, fmt.Errorf("%s: unsupported bit depth %d, want 16", path, dec.BitDepth)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, Format{}, fmt.Errorf("%s: decode: %w", path, err)
	}
	samples := make([]int16, len(buf.Data))
	for i, s := range buf.Data {
		samples[i] = int16(s)
	}
	return PCMBytes(samples), Format{SampleRate: int(dec.SampleRate), Channels: int(dec.NumChans)}, nil
}

// BufferSource emits an in-memory PCM buffer as [FrameDuration] frames and
// closes its channel at the end of the buffer.
type BufferSource struct {
	frames chan Frame
	done   chan struct{}
	once   sync.Once
}

var _ Source = (*BufferSource)(nil)

// NewBufferSource starts emitting pcm in format. With realtime set, frames are
// paced at [FrameDuration].
func NewBufferSource(pcm []byte, format Format, realtime bool) *BufferSource {
	return newBufferSource(pcm, format, realtime, nil)
}

func newBufferSource(pcm []byte, format Format, realtime bool, onEnd func()) *BufferSource {
	s := &BufferSource{
		frames: make(chan Frame),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(s.frames)
		if s.run(pcm, format, realtime) && onEnd != nil {
			onEnd()
		}
	}()
	return s
}

// run emits pcm and reports whether every frame was delivered.
func (s *BufferSource) run(pcm []byte, format Format, realtime bool) bool {

	frameBytes := format.SampleRate * format.Channels * 2 * int(FrameDuration/time.Millisecond) / 1000
	if frameBytes <= 0 {
		return true
	}

	var tick <-chan time.Time
	if realtime {
		t := time.NewTicker(FrameDuration)
		defer t.Stop()
		tick = t.C
	}

	var ts time.Duration
	for off := 0; off < len(pcm); off += frameBytes {
		chunk := make([]byte, frameBytes)
		copy(chunk, pcm[off:])

		if tick != nil {
			select {
			case <-tick:
			case <-s.done:
				return false
			}
		}
		select {
		case s.frames <- Frame{Data: chunk, SampleRate: format.SampleRate, Channels: format.Channels, Timestamp: ts}:
		case <-s.done:
			return false
		}
		ts += FrameDuration
	}
	return true
}

// Frames implements [Source].
func (s *BufferSource) Frames() <-chan Frame { return s.frames }

// Close stops emission. Safe to call more than once.
func (s *BufferSource) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

// WAVSink writes received frames to a 16-bit WAV file. Frames are converted
// to the format the sink was created with.
type WAVSink struct {
	mu     sync.Mutex
	f      *os.File
	enc    *wav.Encoder
	format Format
	closed bool
}

var _ Sink = (*WAVSink)(nil)

// NewWAVSink creates path and prepares a WAV encoder for format.
func NewWAVSink(path string, format Format) (*WAVSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("audio: create wav sink: %w", err)
	}
	return &WAVSink{
		f:      f,
		enc:    wav.NewEncoder(f, format.SampleRate, 16, format.Channels, 1),
		format: format,
	}, nil
}

// Write implements [Sink].
func (w *WAVSink) Write(frame Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}

	samples := Samples(Convert(frame, w.format).Data)
	data := make([]int, len(samples))
	for i, s := range samples {
		data[i] = int(s)
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: w.format.Channels, SampleRate: w.format.SampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := w.enc.Write(buf); err != nil {
		return fmt.Errorf("audio: write wav: %w", err)
	}
	return nil
}

// Close finalizes the WAV header and closes the file. Safe to call more than once.
func (w *WAVSink) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	encErr := w.enc.Close()
	fileErr := w.f.Close()
	if encErr != nil {
		return fmt.Errorf("audio: finalize wav: %w", encErr)
	}
	return fileErr
}
