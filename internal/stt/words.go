package stt

import (
	"strings"

	"github.com/snarg/listen-engine/internal/transcript"
)

// word is one recognized unit from a backend, in stream-relative seconds.
type word struct {
	text    string
	start   float64
	end     float64
	speaker int
}

// segmenter groups consecutive same-speaker words into segments. It keeps
// state across batches and is owned by a single read goroutine.
type segmenter struct {
	preSeconds float64
	liveOffset float64
	sep        string
	// speakers heard inside the enrollment sample
	user map[int]bool
}

func newSegmenter(opts Options, sep string) *segmenter {
	return &segmenter{
		preSeconds: opts.PreSeconds,
		liveOffset: opts.LiveOffset,
		sep:        sep,
		user:       make(map[int]bool),
	}
}

func (s *segmenter) build(words []word) []transcript.Segment {
	var out []transcript.Segment
	for _, w := range words {
		if s.preSeconds > 0 && w.start < s.preSeconds {
			s.user[w.speaker] = true
			continue
		}
		start := w.start - s.preSeconds + s.liveOffset
		end := w.end - s.preSeconds + s.liveOffset

		if n := len(out); n > 0 && out[n-1].SpeakerID == w.speaker {
			out[n-1].Text += s.sep + w.text
			out[n-1].End = end
			continue
		}
		out = append(out, transcript.Segment{
			Text:      w.text,
			Speaker:   transcript.SpeakerLabel(w.speaker),
			SpeakerID: w.speaker,
			IsUser:    s.user[w.speaker],
			Start:     start,
			End:       end,
		})
	}
	for i := range out {
		out[i].Text = strings.TrimSpace(out[i].Text)
	}
	return out
}
