package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// WebRTC audio is 48 kHz Opus at 20 ms frame size. Voice sessions use a
// mono capture stream; the decoder downmixes whatever the remote sends.
const (
	OpusSampleRate = 48000
	OpusChannels   = 1
	// OpusFrameSize is the number of samples per channel per 20 ms frame.
	OpusFrameSize = OpusSampleRate * 20 / 1000 // 960

	maxOpusPacket = 4000
)

// OpusFormat is the PCM format consumed by [OpusEncoder] and produced by [OpusDecoder].
var OpusFormat = Format{SampleRate: OpusSampleRate, Channels: OpusChannels}

// OpusEncoder encodes 20 ms mono PCM frames into Opus packets.
// Not safe for concurrent use; each outbound stream owns one.
type OpusEncoder struct {
	enc *gopus.Encoder
}

// NewOpusEncoder creates an encoder tuned for speech.
func NewOpusEncoder() (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(OpusSampleRate, OpusChannels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc}, nil
}

// Encode converts frame to [OpusFormat] and encodes it. The frame must hold
// exactly one 20 ms chunk after conversion; shorter input is zero-padded.
func (e *OpusEncoder) Encode(frame Frame) ([]byte, error) {
	pcm := Samples(Convert(frame, OpusFormat).Data)
	if len(pcm) < OpusFrameSize*OpusChannels {
		padded := make([]int16, OpusFrameSize*OpusChannels)
		copy(padded, pcm)
		pcm = padded
	}
	packet, err := e.enc.Encode(pcm[:OpusFrameSize*OpusChannels], OpusFrameSize, maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("audio: opus encode: %w", err)
	}
	return packet, nil
}

// OpusDecoder decodes Opus packets from a single remote stream. Decoder
// state carries across packets, so each stream needs its own instance.
type OpusDecoder struct {
	dec *gopus.Decoder
}

// NewOpusDecoder creates a decoder producing [OpusFormat] PCM.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(OpusSampleRate, OpusChannels)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode decodes one Opus packet into a PCM frame.
func (d *OpusDecoder) Decode(packet []byte) (Frame, error) {
	pcm, err := d.dec.Decode(packet, OpusFrameSize, false)
	if err != nil {
		return Frame{}, fmt.Errorf("audio: opus decode: %w", err)
	}
	return Frame{Data: PCMBytes(pcm), SampleRate: OpusSampleRate, Channels: OpusChannels}, nil
}
