package subtitle

import (
	"fmt"
	"sort"
	"strings"
)

// minCueDuration is the length given to a cue whose recognizer timing
// collapsed to zero or went negative.
const minCueDuration = 0.05

// WordTiming is the time range of a single recognized word.
type WordTiming struct {
	Text         string  `json:"text"`
	StartSeconds float64 `json:"start"`
	EndSeconds   float64 `json:"end"`
}

// Cue is one timed subtitle line. WordTimings is nil when the recognizer
// gave no word-level timing for the segment.
type Cue struct {
	Sequence     int          `json:"sequence"`
	StartSeconds float64      `json:"start"`
	EndSeconds   float64      `json:"end"`
	Text         string       `json:"text"`
	WordTimings  []WordTiming `json:"word_timings,omitempty"`
}

// Subtitle is an ordered cue list in one language.
type Subtitle struct {
	Language string `json:"language"`
	Cues     []Cue  `json:"cues"`
}

// Segment is a raw recognizer result bounded by a pause or segment break.
type Segment struct {
	StartSeconds float64
	EndSeconds   float64
	Text         string
	Words        []WordTiming
}

// FromSegments builds a Subtitle from recognizer segments.
//
// Segments are sorted by start time and numbered from 1. Overlapping
// segments are repaired: the earlier cue is trimmed to end where the later
// one starts, or when both start together the later cue is pushed behind
// the earlier one. Word timings are clipped into their cue's range.
func FromSegments(language string, segments []Segment) Subtitle {
	segs := make([]Segment, 0, len(segments))
	for _, s := range segments {
		s.Text = strings.TrimSpace(s.Text)
		if s.Text == "" {
			continue
		}
		if s.StartSeconds < 0 {
			s.StartSeconds = 0
		}
		segs = append(segs, s)
	}
	sort.SliceStable(segs, func(i, j int) bool {
		return segs[i].StartSeconds < segs[j].StartSeconds
	})

	cues := make([]Cue, 0, len(segs))
	for _, s := range segs {
		cue := Cue{
			StartSeconds: s.StartSeconds,
			EndSeconds:   s.EndSeconds,
			Text:         s.Text,
		}
		if n := len(cues); n > 0 {
			prev := &cues[n-1]
			if cue.StartSeconds < prev.EndSeconds {
				if cue.StartSeconds > prev.StartSeconds {
					prev.EndSeconds = cue.StartSeconds
				} else {
					cue.StartSeconds = prev.EndSeconds
				}
			}
		}
		if cue.EndSeconds <= cue.StartSeconds {
			cue.EndSeconds = cue.StartSeconds + minCueDuration
		}
		cue.WordTimings = s.Words
		cues = append(cues, cue)
	}

	for i := range cues {
		cues[i].Sequence = i + 1
		cues[i].WordTimings = clipWords(cues[i].WordTimings, cues[i].StartSeconds, cues[i].EndSeconds)
	}
	return Subtitle{Language: language, Cues: cues}
}

// clipWords keeps words inside [start, end) in temporal order without
// overlap. It returns nil when no word survives.
func clipWords(words []WordTiming, start, end float64) []WordTiming {
	if len(words) == 0 {
		return nil
	}
	out := make([]WordTiming, 0, len(words))
	cursor := start
	for _, w := range words {
		w.Text = strings.TrimSpace(w.Text)
		if w.Text == "" {
			continue
		}
		if w.StartSeconds < cursor {
			w.StartSeconds = cursor
		}
		if w.StartSeconds >= end {
			continue
		}
		if w.EndSeconds > end {
			w.EndSeconds = end
		}
		if w.EndSeconds < w.StartSeconds {
			w.EndSeconds = w.StartSeconds
		}
		out = append(out, w)
		cursor = w.EndSeconds
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// Validate checks numbering, ordering without overlap, and word
// containment of the cue list.
func (s Subtitle) Validate() error {
	for i, c := range s.Cues {
		if c.Sequence != i+1 {
			return fmt.Errorf("cue %d: sequence %d out of order", i, c.Sequence)
		}
		if c.EndSeconds <= c.StartSeconds {
			return fmt.Errorf("cue %d: end %.3f not after start %.3f", c.Sequence, c.EndSeconds, c.StartSeconds)
		}
		if i > 0 && c.StartSeconds < s.Cues[i-1].EndSeconds {
			return fmt.Errorf("cue %d: starts before cue %d ends", c.Sequence, c.Sequence-1)
		}
		for _, w := range c.WordTimings {
			if w.StartSeconds < c.StartSeconds || w.StartSeconds >= c.EndSeconds || w.EndSeconds > c.EndSeconds {
				return fmt.Errorf("cue %d: word %q outside cue range", c.Sequence, w.Text)
			}
		}
	}
	return nil
}
