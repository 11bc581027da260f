package transcript

import (
	"fmt"
	"sort"
	"strings"
)

// Segment is a timestamped, speaker-labeled unit of transcribed text.
// Start and End are seconds relative to the session.
type Segment struct {
	Text      string  `json:"text"`
	Speaker   string  `json:"speaker"`
	SpeakerID int     `json:"speaker_id"`
	IsUser    bool    `json:"is_user"`
	Start     float64 `json:"start"`
	End       float64 `json:"end"`
}

// SpeakerLabel formats a numeric speaker id the way providers label diarized speakers.
func SpeakerLabel(id int) string {
	return fmt.Sprintf("SPEAKER_%02d", id)
}

// Duration returns the segment length in seconds.
func (s Segment) Duration() float64 {
	return s.End - s.Start
}

// Merge appends incoming to existing and returns a new slice ordered by start
// offset. Neither input is modified. Segments with equal starts keep their
// arrival order.
func Merge(existing, incoming []Segment) []Segment {
	out := make([]Segment, 0, len(existing)+len(incoming))
	out = append(out, existing...)
	out = append(out, incoming...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start < out[j].Start
	})
	return out
}

// IsSorted reports whether segments are in non-decreasing start order.
func IsSorted(segments []Segment) bool {
	return sort.SliceIsSorted(segments, func(i, j int) bool {
		return segments[i].Start < segments[j].Start
	})
}

// AsString renders segments as "Speaker N: text" lines. The user's segments
// are labeled "User".
func AsString(segments []Segment, includeTimestamps bool) string {
	var b strings.Builder
	for i, s := range segments {
		if i > 0 {
			b.WriteString("\n\n")
		}
		if includeTimestamps {
			fmt.Fprintf(&b, "[%s - %s] ", clock(s.Start), clock(s.End))
		}
		if s.IsUser {
			b.WriteString("User: ")
		} else {
			fmt.Fprintf(&b, "Speaker %d: ", s.SpeakerID)
		}
		b.WriteString(strings.TrimSpace(s.Text))
	}
	return b.String()
}

func clock(seconds float64) string {
	total := int(seconds)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
