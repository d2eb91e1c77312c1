package pgn

import (
	"regexp"
	"strconv"

	"github.com/park285/chess-quant/internal/domain"
)

const (
	// DefaultSecsPerMove is returned whenever clock data cannot produce a mean.
	DefaultSecsPerMove = 30.0
	// maxThinkSeconds drops start delays and reconnects; deltas at or above it are not think time.
	maxThinkSeconds = 300
)

var clockTag = regexp.MustCompile(`\[%clk (\d+):(\d+):(\d+)\]`)

// ClockSample is one [%clk] reading tagged with the ply it follows.
type ClockSample struct {
	Ply     int
	Color   domain.Color
	Seconds int
}

// ParseClockSamples extracts every clock reading in textual order. Samples are
// assumed to alternate starting with white.
func ParseClockSamples(text string) []ClockSample {
	if text == "" {
		return nil
	}
	matches := clockTag.FindAllStringSubmatch(text, -1)
	out := make([]ClockSample, 0, len(matches))
	for i, m := range matches {
		h, _ := strconv.Atoi(m[1])
		mins, _ := strconv.Atoi(m[2])
		s, _ := strconv.Atoi(m[3])
		color := domain.White
		if i%2 == 1 {
			color = domain.Black
		}
		out = append(out, ClockSample{Ply: i, Color: color, Seconds: h*3600 + mins*60 + s})
	}
	return out
}

// ParseClock returns the mean seconds spent per move. Consecutive readings are
// compared positionally, regardless of which side they belong to. It never
// fails; missing or unusable data yields DefaultSecsPerMove.
func ParseClock(text string) float64 {
	samples := ParseClockSamples(text)
	if len(samples) < 2 {
		return DefaultSecsPerMove
	}
	secs := make([]int, len(samples))
	for i, s := range samples {
		secs[i] = s.Seconds
	}
	return meanDelta(secs)
}

// PerColorSecsPerMove reconstructs think time from one side's own clock only.
func PerColorSecsPerMove(text string, color domain.Color) float64 {
	var secs []int
	for _, s := range ParseClockSamples(text) {
		if s.Color == color {
			secs = append(secs, s.Seconds)
		}
	}
	if len(secs) < 2 {
		return DefaultSecsPerMove
	}
	return meanDelta(secs)
}

func meanDelta(secs []int) float64 {
	var (
		sum   int
		count int
	)
	for i := 0; i+1 < len(secs); i++ {
		delta := secs[i] - secs[i+1]
		if delta < 0 {
			delta = -delta
		}
		if delta >= maxThinkSeconds {
			continue
		}
		sum += delta
		count++
	}
	if count == 0 {
		return DefaultSecsPerMove
	}
	return float64(sum) / float64(count)
}
