package transcript

import "sync"

// Mode is the offset correction applied by an Aligner.
type Mode int

const (
	// ModeUnset means no batch has been aligned since creation or the last Reset.
	ModeUnset Mode = iota
	// ModeTrim subtracts the first batch's earliest start from every batch.
	ModeTrim
	// ModeCarryOver adds the wall-clock seconds elapsed since a resumed
	// recording started.
	ModeCarryOver
)

func (m Mode) String() string {
	switch m {
	case ModeTrim:
		return "trim"
	case ModeCarryOver:
		return "carry_over"
	default:
		return "unset"
	}
}

// Aligner rebases provider fragment timestamps onto recording-relative time.
// Exactly one correction mode is active at a time; it is fixed by the first
// Align call and only cleared by Reset.
type Aligner struct {
	mu        sync.Mutex
	mode      Mode
	carryOver float64
	trim      float64
}

// NewAligner returns an aligner with no correction established.
func NewAligner() *Aligner {
	return &Aligner{}
}

// SetCarryOver records the offset of a resumed recording. It takes effect
// only if no mode has been fixed yet; once trim mode is active it is ignored.
func (a *Aligner) SetCarryOver(seconds float64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mode != ModeUnset {
		return
	}
	a.carryOver = seconds
}

// Align returns corrected copies of batch. The input slice is not modified.
func (a *Aligner) Align(batch []Segment) []Segment {
	if len(batch) == 0 {
		return nil
	}

	a.mu.Lock()
	if a.mode == ModeUnset {
		if a.carryOver > 0 {
			a.mode = ModeCarryOver
		} else {
			a.mode = ModeTrim
			a.trim = earliestStart(batch)
		}
	}
	var delta float64
	switch a.mode {
	case ModeCarryOver:
		delta = a.carryOver
	case ModeTrim:
		delta = -a.trim
	}
	a.mu.Unlock()

	out := make([]Segment, len(batch))
	for i, s := range batch {
		s.Start += delta
		s.End += delta
		out[i] = s
	}
	return out
}

// Reset clears the correction so the next batch starts a fresh recording.
func (a *Aligner) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mode = ModeUnset
	a.carryOver = 0
	a.trim = 0
}

// Mode returns the active correction mode.
func (a *Aligner) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

func earliestStart(batch []Segment) float64 {
	earliest := batch[0].Start
	for _, s := range batch[1:] {
		if s.Start < earliest {
			earliest = s.Start
		}
	}
	return earliest
}
