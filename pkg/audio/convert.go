package audio

import "log/slog"

// Convert returns f in the target format. A frame already in the target format
// is returned unchanged. Resampling happens before channel conversion so that
// downmixed streams are never resampled in stereo.
//
// A frame with an odd byte count is not valid int16 PCM; it is logged and
// returned empty in the target format.
func Convert(f Frame, target Format) Frame {
	if len(f.Data)%2 != 0 {
		slog.Debug("audio: dropping frame with odd byte count", "bytes", len(f.Data))
		return Frame{SampleRate: target.SampleRate, Channels: target.Channels, Timestamp: f.Timestamp}
	}
	if f.Format() == target {
		return f
	}

	pcm := f.Data
	if f.SampleRate != target.SampleRate {
		pcm = Resample16(pcm, f.Channels, f.SampleRate, target.SampleRate)
	}
	switch {
	case f.Channels == 1 && target.Channels == 2:
		pcm = MonoToStereo(pcm)
	case f.Channels == 2 && target.Channels == 1:
		pcm = StereoToMono(pcm)
	}
	return Frame{
		Data:       pcm,
		SampleRate: target.SampleRate,
		Channels:   target.Channels,
		Timestamp:  f.Timestamp,
	}
}

// Samples decodes little-endian int16 PCM bytes. A trailing odd byte is ignored.
func Samples(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}

// PCMBytes encodes int16 samples as little-endian bytes.
func PCMBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// MonoToStereo duplicates each mono sample into an L+R pair.
func MonoToStereo(pcm []byte) []byte {
	in := Samples(pcm)
	out := make([]int16, len(in)*2)
	for i, s := range in {
		out[i*2], out[i*2+1] = s, s
	}
	return PCMBytes(out)
}

// StereoToMono averages each L+R pair. The int32 sum cannot overflow and the
// average of two int16 values always fits back into int16.
func StereoToMono(pcm []byte) []byte {
	in := Samples(pcm)
	out := make([]int16, len(in)/2)
	for i := range out {
		out[i] = int16((int32(in[i*2]) + int32(in[i*2+1])) / 2)
	}
	return PCMBytes(out)
}

// Resample16 resamples interleaved int16 PCM with the given channel count
// from srcRate to dstRate using linear interpolation. Invalid rates or
// channel counts return the input unchanged.
func Resample16(pcm []byte, channels, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || channels <= 0 || srcRate == dstRate {
		return pcm
	}
	in := Samples(pcm)
	srcFrames := len(in) / channels
	if srcFrames == 0 {
		return pcm
	}
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]int16, dstFrames*channels)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstFrames {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)
		next := idx + 1
		if next >= srcFrames {
			next = idx
		}
		for c := range channels {
			s0 := float64(in[idx*channels+c])
			s1 := float64(in[next*channels+c])
			out[i*channels+c] = int16(s0*(1-frac) + s1*frac)
		}
	}
	return PCMBytes(out)
}
