package tracker

import (
	"bufio"
	"fmt"
	"io"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/gaze.report/internal/gaze"
)

// PathEntry is one point of a simulated gaze path and how long the gaze
// rests there.
type PathEntry struct {
	Point    gaze.Sample
	Duration time.Duration
}

// ParsePath reads a gaze path, one "x,y,duration_ms" entry per line. Blank
// lines and lines starting with '#' are skipped.
func ParsePath(r io.Reader) ([]PathEntry, error) {
	var entries []PathEntry
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			return nil, fmt.Errorf("line %d: expected x,y,duration_ms, got %q", lineNo, line)
		}
		var v [3]int
		for i, f := range fields {
			n, err := strconv.Atoi(strings.TrimSpace(f))
			if err != nil {
				return nil, fmt.Errorf("line %d: field %d: %w", lineNo, i+1, err)
			}
			v[i] = n
		}
		if v[2] < 0 {
			return nil, fmt.Errorf("line %d: negative duration %d", lineNo, v[2])
		}
		entries = append(entries, PathEntry{
			Point:    gaze.Sample{X: v[0], Y: v[1]},
			Duration: time.Duration(v[2]) * time.Millisecond,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading gaze path: %w", err)
	}
	return entries, nil
}

// LoadPath reads a gaze path file from fsys.
func LoadPath(fsys fs.FS, name string) ([]PathEntry, error) {
	f, err := fsys.Open(name)
	if err != nil {
		return nil, fmt.Errorf("open gaze path: %w", err)
	}
	defer f.Close()

	entries, err := ParsePath(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return entries, nil
}

// Interpolate expands each entry into points spaced step apart that move
// linearly toward the next entry over the entry's duration. The final entry
// is kept as is.
func Interpolate(path []PathEntry, step time.Duration) []PathEntry {
	if step <= 0 || len(path) < 2 {
		return append([]PathEntry(nil), path...)
	}
	var out []PathEntry
	for i := 0; i < len(path)-1; i++ {
		from, to := path[i], path[i+1]
		if from.Duration <= step {
			out = append(out, from)
			continue
		}
		dx := float64(to.Point.X - from.Point.X)
		dy := float64(to.Point.Y - from.Point.Y)
		for t := time.Duration(0); t < from.Duration; t += step {
			frac := float64(t) / float64(from.Duration)
			d := step
			if rest := from.Duration - t; rest < d {
				d = rest
			}
			out = append(out, PathEntry{
				Point: gaze.Sample{
					X: from.Point.X + int(dx*frac),
					Y: from.Point.Y + int(dy*frac),
				},
				Duration: d,
			})
		}
	}
	return append(out, path[len(path)-1])
}
