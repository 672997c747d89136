package orchestrator

import (
	"bufio"
	"math"
	"strconv"
	"strings"
)

// PlaylistSegment is one media entry of a live playlist.
type PlaylistSegment struct {
	URI      string  `json:"uri"`
	Duration float64 `json:"duration"`
}

// PlaylistInfo summarises an HLS media playlist written by the encoder.
type PlaylistInfo struct {
	Version        int               `json:"version"`
	TargetDuration int               `json:"target_duration"`
	MediaSequence  int64             `json:"media_sequence"`
	Segments       []PlaylistSegment `json:"segments"`
	Ended          bool              `json:"ended"`
	// Conforming is false when a segment runs longer than the target duration
	// allows, which makes strict players reject the playlist.
	Conforming bool `json:"conforming"`
}

// ParsePlaylist reads the tags the diagnostics care about and ignores the rest.
// An empty or partial playlist yields a zero summary rather than an error,
// since the encoder rewrites the file continuously.
func ParsePlaylist(text string) PlaylistInfo {
	info := PlaylistInfo{Segments: []PlaylistSegment{}}
	pending := -1.0

	sc := bufio.NewScanner(strings.NewReader(text))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			info.Version, _ = strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-VERSION:"))
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			info.TargetDuration, _ = strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))
		case strings.HasPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"):
			info.MediaSequence, _ = strconv.ParseInt(strings.TrimPrefix(line, "#EXT-X-MEDIA-SEQUENCE:"), 10, 64)
		case line == "#EXT-X-ENDLIST":
			info.Ended = true
		case strings.HasPrefix(line, "#EXTINF:"):
			v := strings.TrimPrefix(line, "#EXTINF:")
			if i := strings.IndexByte(v, ','); i >= 0 {
				v = v[:i]
			}
			d, err := strconv.ParseFloat(v, 64)
			if err != nil {
				d = 0
			}
			pending = d
		case strings.HasPrefix(line, "#"):
		default:
			seg := PlaylistSegment{URI: line}
			if pending >= 0 {
				seg.Duration = pending
			}
			info.Segments = append(info.Segments, seg)
			pending = -1
		}
	}

	info.Conforming = info.TargetDuration == 0 ||
		targetDurationFromSegments(info.Segments) <= info.TargetDuration
	return info
}

// targetDurationFromSegments returns the smallest #EXT-X-TARGETDURATION that
// covers every segment: the longest duration rounded to whole seconds, at least 1.
func targetDurationFromSegments(segments []PlaylistSegment) int {
	longest := 0.0
	for _, seg := range segments {
		if seg.Duration > longest {
			longest = seg.Duration
		}
	}
	if longest <= 0 {
		return 1
	}
	return int(math.Round(longest))
}
