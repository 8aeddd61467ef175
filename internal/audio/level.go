// Package audio holds the PCM helpers and the level heuristics that drive the
// waveform view and pause detection.
package audio

import "math"

// Empirically tuned smoothing constants. Changing them changes when the pause
// heuristic fires, so they are kept as measured on the reference device.
const (
	LevelLowpassTrig float32 = 0.01
	BaselinePower    float32 = -0.2
	DecibelBias      float32 = 0.05
	SilenceDecibels  float32 = -100

	initialMinPower float32 = -0.64
	initialMaxPower float32 = -0.44
	windowEpsilon   float32 = 1e-6
)

// PowerWindow bounds the smoothed decibel readings seen during one turn.
// Min only decreases and Max only increases.
type PowerWindow struct {
	Min float32
	Max float32
}

// NewPowerWindow returns the bounds a fresh turn starts from.
func NewPowerWindow() PowerWindow {
	return PowerWindow{Min: initialMinPower, Max: initialMaxPower}
}

// Observe widens the window to include db.
func (w *PowerWindow) Observe(db float32) {
	if db < w.Min {
		w.Min = db
	}
	if db > w.Max {
		w.Max = db
	}
}

// Normalize maps db into [0,1] relative to the window. A degenerate window yields 0.
func (w PowerWindow) Normalize(db float32) float64 {
	span := w.Max - w.Min
	if span < windowEpsilon {
		return 0
	}
	v := float64((db - w.Min) / span)
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// Sample is one input buffer of mono frames in [-1,1].
type Sample struct {
	Frames          []float32
	NormalizedPower float64
	Decibels        float32
}

// Peak returns the largest absolute frame value.
func Peak(frames []float32) float32 {
	var peak float32
	for _, f := range frames {
		if f < 0 {
			f = -f
		}
		if f > peak {
			peak = f
		}
	}
	return peak
}

// SmoothedDecibels applies the one-pole low-pass against the baseline power and
// adds the display bias. A zero peak maps onto the silence sentinel.
func SmoothedDecibels(peak float32) float32 {
	level := SilenceDecibels
	if peak > 0 {
		level = 20 * float32(math.Log10(float64(peak)))
	}
	power := LevelLowpassTrig*level + (1-LevelLowpassTrig)*BaselinePower
	return DecibelBias + power
}

// Process computes the sample's normalized power, widening w as needed.
func Process(s *Sample, w *PowerWindow) float64 {
	db := SmoothedDecibels(Peak(s.Frames))
	w.Observe(db)
	s.Decibels = db
	s.NormalizedPower = w.Normalize(db)
	return s.NormalizedPower
}
