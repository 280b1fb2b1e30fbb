package stream

import (
	"fmt"
	"sort"
	"strings"
)

// Strategy is the policy used to pick one stream out of a catalog.
type Strategy string

const (
	StrategyLowest          Strategy = "lowest"
	StrategyMedium          Strategy = "medium"
	StrategyHighest         Strategy = "highest"
	StrategyProgressiveOnly Strategy = "progressive"
	StrategyAudioOnly       Strategy = "audio"
)

// ParseStrategy accepts the strategy names used in config and query strings.
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "medium":
		return StrategyMedium, nil
	case "lowest", "low":
		return StrategyLowest, nil
	case "highest", "high":
		return StrategyHighest, nil
	case "progressive", "progressiveonly", "progressive_only":
		return StrategyProgressiveOnly, nil
	case "audio", "audioonly", "audio_only":
		return StrategyAudioOnly, nil
	}
	return "", fmt.Errorf("unknown stream strategy %q", s)
}

// SelectStream picks a stream according to strategy and returns nil when no
// stream qualifies.
//
// Progressive streams are always preferred when any exist, since playback
// and transcription both need one self-contained file. Candidates are ranked
// by resolution (bitrate for audio); at equal rank the most broadly playable
// container wins.
func SelectStream(streams []Descriptor, strategy Strategy) *Descriptor {
	var candidates []Descriptor
	var key func(Descriptor) int

	if strategy == StrategyAudioOnly {
		for _, s := range streams {
			if s.URL != "" && s.AudioOnly {
				candidates = append(candidates, s)
			}
		}
		key = bitrateOf
	} else {
		var video, progressive []Descriptor
		for _, s := range streams {
			if s.URL == "" || s.AudioOnly || s.ResolutionPx == nil {
				continue
			}
			video = append(video, s)
			if s.IsProgressive {
				progressive = append(progressive, s)
			}
		}
		candidates = video
		if strategy == StrategyProgressiveOnly || len(progressive) > 0 {
			candidates = progressive
		}
		key = func(d Descriptor) int { return *d.ResolutionPx }
	}

	ranked := rank(candidates, key)
	if len(ranked) == 0 {
		return nil
	}

	var pick Descriptor
	switch strategy {
	case StrategyLowest:
		pick = ranked[0]
	case StrategyMedium, StrategyAudioOnly:
		if len(ranked) < 3 {
			pick = ranked[len(ranked)-1]
		} else {
			pick = ranked[(len(ranked)-1)/2]
		}
	default:
		pick = ranked[len(ranked)-1]
	}
	return &pick
}

// rank sorts by key ascending and keeps one stream per key value.
func rank(candidates []Descriptor, key func(Descriptor) int) []Descriptor {
	sorted := append([]Descriptor(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool {
		ki, kj := key(sorted[i]), key(sorted[j])
		if ki != kj {
			return ki < kj
		}
		ci, cj := containerRank[sorted[i].Container], containerRank[sorted[j].Container]
		if ci != cj {
			return ci < cj
		}
		return bitrateOf(sorted[i]) > bitrateOf(sorted[j])
	})

	out := make([]Descriptor, 0, len(sorted))
	for i, d := range sorted {
		if i > 0 && key(d) == key(sorted[i-1]) {
			continue
		}
		out = append(out, d)
	}
	return out
}

func bitrateOf(d Descriptor) int {
	if d.BitrateBps == nil {
		return 0
	}
	return *d.BitrateBps
}
