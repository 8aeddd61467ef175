package voice

const (
	DefaultPauseThreshold = 0.2
	DefaultPauseTicks     = 5
)

// PauseDetector counts consecutive low-power ticks and fires once the count
// exceeds the configured number of ticks.
type PauseDetector struct {
	threshold float64
	ticks     int
	counter   int
}

func NewPauseDetector(threshold float64, ticks int) *PauseDetector {
	if threshold <= 0 {
		threshold = DefaultPauseThreshold
	}
	if ticks <= 0 {
		ticks = DefaultPauseTicks
	}
	return &PauseDetector{threshold: threshold, ticks: ticks}
}

// Tick feeds one power sample and reports whether a pause was detected.
// Firing resets the counter.
func (d *PauseDetector) Tick(power float64) bool {
	if power >= d.threshold {
		d.counter = 0
		return false
	}
	d.counter++
	if d.counter > d.ticks {
		d.counter = 0
		return true
	}
	return false
}

func (d *PauseDetector) Counter() int { return d.counter }

func (d *PauseDetector) Reset() { d.counter = 0 }
