package ffmpeg

import (
	"regexp"
	"strconv"
	"time"
)

var (
	frameRe = regexp.MustCompile(`frame=\s*(\d+)`)
	fpsRe   = regexp.MustCompile(`fps=\s*([\d.]+)`)
	timeRe  = regexp.MustCompile(`time=(\d+):(\d+):(\d+)\.(\d+)`)
	speedRe = regexp.MustCompile(`speed=\s*([\d.]+)x`)
)

// Progress represents FFmpeg progress information parsed from a -stats line.
type Progress struct {
	Frame int64         `json:"frame"`
	FPS   float64       `json:"fps"`
	Time  time.Duration `json:"time"`
	Speed float64       `json:"speed"`
}

// ParseFrame extracts the frame number from an output line.
func ParseFrame(line string) (int64, bool) {
	m := frameRe.FindStringSubmatch(line)
	if len(m) < 2 {
		return 0, false
	}
	n, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// ParseProgress extracts every known stat from an output line. ok is false when the line
// carries no frame counter.
func ParseProgress(line string) (p Progress, ok bool) {
	p.Frame, ok = ParseFrame(line)
	if !ok {
		return p, false
	}
	if m := fpsRe.FindStringSubmatch(line); len(m) > 1 {
		p.FPS, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := timeRe.FindStringSubmatch(line); len(m) > 4 {
		hours, _ := strconv.Atoi(m[1])
		mins, _ := strconv.Atoi(m[2])
		secs, _ := strconv.Atoi(m[3])
		cs, _ := strconv.Atoi(m[4])
		p.Time = time.Duration(hours)*time.Hour +
			time.Duration(mins)*time.Minute +
			time.Duration(secs)*time.Second +
			time.Duration(cs)*10*time.Millisecond
	}
	if m := speedRe.FindStringSubmatch(line); len(m) > 1 {
		p.Speed, _ = strconv.ParseFloat(m[1], 64)
	}
	return p, true
}

// FrameCounter tracks the highest frame number seen during one encode. It never decreases.
type FrameCounter struct {
	value int64
}

// Advance moves the counter to n if n is higher than the current value. It returns the value
// after the move and how much it advanced.
func (c *FrameCounter) Advance(n int64) (value, delta int64) {
	if n > c.value {
		delta = n - c.value
		c.value = n
	}
	return c.value, delta
}

// Value returns the current counter value.
func (c *FrameCounter) Value() int64 {
	return c.value
}
