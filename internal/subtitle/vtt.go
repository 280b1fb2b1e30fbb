package subtitle

import (
	"fmt"
	"strings"
)

// VTT renders the subtitle as WebVTT. With words set, cues that carry word
// timings get inline timestamp tags for karaoke-style highlighting.
func (s Subtitle) VTT(words bool) string {
	var sb strings.Builder
	sb.WriteString("WEBVTT\n")
	if s.Language != "" {
		sb.WriteString(fmt.Sprintf("Language: %s\n", s.Language))
	}
	sb.WriteString("\n")

	for _, cue := range s.Cues {
		sb.WriteString(fmt.Sprintf("%d\n", cue.Sequence))
		sb.WriteString(fmt.Sprintf("%s --> %s\n", formatTimestamp(cue.StartSeconds), formatTimestamp(cue.EndSeconds)))
		if words && len(cue.WordTimings) > 0 {
			sb.WriteString(karaokeLine(cue))
		} else {
			sb.WriteString(cue.Text)
		}
		sb.WriteString("\n\n")
	}

	return sb.String()
}

func karaokeLine(cue Cue) string {
	parts := make([]string, 0, len(cue.WordTimings))
	for i, w := range cue.WordTimings {
		if i == 0 && w.StartSeconds <= cue.StartSeconds {
			parts = append(parts, "<c>"+w.Text+"</c>")
			continue
		}
		parts = append(parts, fmt.Sprintf("<%s><c>%s</c>", formatTimestamp(w.StartSeconds), w.Text))
	}
	return strings.Join(parts, " ")
}

func formatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	totalMs := int(seconds*1000 + 0.5)
	h := totalMs / 3600000
	totalMs %= 3600000
	m := totalMs / 60000
	totalMs %= 60000
	s := totalMs / 1000
	ms := totalMs % 1000
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
