package audio

import (
	"encoding/binary"
	"math"
)

// PCM16ToFloat32 decodes little-endian signed 16-bit mono PCM. A trailing odd byte is ignored.
func PCM16ToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(binary.LittleEndian.Uint16(pcm[i*2:]))
		out[i] = float32(v) / 32768
	}
	return out
}

// Float32ToPCM16 encodes frames in [-1,1] as little-endian PCM16, clipping out-of-range values.
func Float32ToPCM16(frames []float32) []byte {
	out := make([]byte, len(frames)*2)
	for i, f := range frames {
		if f > 1 {
			f = 1
		} else if f < -1 {
			f = -1
		}
		v := int16(math.Round(float64(f) * 32767))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// SampleFromPCM16 wraps a PCM16 buffer as a Sample ready for Process.
func SampleFromPCM16(pcm []byte) Sample {
	return Sample{Frames: PCM16ToFloat32(pcm)}
}

// Tone generates a sine wave clip followed by trailing silence, as PCM16.
func Tone(sampleRate int, freqHz, amplitude float64, toneMS, silenceMS int) []byte {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	toneFrames := sampleRate * toneMS / 1000
	silentFrames := sampleRate * silenceMS / 1000
	frames := make([]float32, toneFrames+silentFrames)
	for i := 0; i < toneFrames; i++ {
		frames[i] = float32(amplitude * math.Sin(2*math.Pi*freqHz*float64(i)/float64(sampleRate)))
	}
	return Float32ToPCM16(frames)
}
