package player

import (
	"time"

	"mixdeck/internal/catalog"
)

// Progress is recorded when a track starts. Elapsed time is always derived
// from the wall clock, never accumulated from ticks.
type Progress struct {
	Start    time.Time
	End      time.Time
	Duration time.Duration
}

func newProgress(start time.Time, duration time.Duration) *Progress {
	return &Progress{
		Start:    start,
		End:      start.Add(duration),
		Duration: duration,
	}
}

// Ended reports whether now is at or past the end of the track.
func (p *Progress) Ended(now time.Time) bool {
	return !now.Before(p.End)
}

// ProgressView is the presentation of a progress sample.
type ProgressView struct {
	Elapsed          time.Duration `json:"elapsed"`
	Remaining        time.Duration `json:"remaining"`
	Duration         time.Duration `json:"duration"`
	Fraction         float64       `json:"fraction"`
	ElapsedText      string        `json:"elapsed_text"`
	RemainingText    string        `json:"remaining_text"`
	ReverseRemaining bool          `json:"reverse_remaining"`
}

// View samples the progress at now. threshold is the fraction past which
// ReverseRemaining is set.
func (p *Progress) View(now time.Time, threshold float64) ProgressView {
	elapsed := now.Sub(p.Start)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed > p.Duration {
		elapsed = p.Duration
	}

	// Counters work in whole seconds so elapsed and remaining always add up.
	total := p.Duration.Round(time.Second)
	elapsedRounded := elapsed.Round(time.Second)
	remaining := total - elapsedRounded
	if remaining < 0 {
		remaining = 0
	}

	var fraction float64
	if p.Duration > 0 {
		fraction = float64(elapsed) / float64(p.Duration)
	}

	return ProgressView{
		Elapsed:          elapsed,
		Remaining:        remaining,
		Duration:         p.Duration,
		Fraction:         fraction,
		ElapsedText:      catalog.PlayingTime(elapsedRounded),
		RemainingText:    "-" + catalog.PlayingTime(remaining),
		ReverseRemaining: fraction > threshold,
	}
}
