package calibration

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/gaze.report/internal/gaze"
)

// ValidationResult holds the raw validation exchange: the checkpoints sent
// as "x y" and the device reply for each, in the same order. Entries for
// checkpoints that got no usable reply are omitted from both.
type ValidationResult struct {
	CheckPoints  []string `json:"check_points"`
	Measurements []string `json:"measurements"`
}

// Measurement is one parsed validation reply.
type Measurement struct {
	Check gaze.Sample `json:"check"`
	Gaze  gaze.Sample `json:"gaze"`
	// DevX and DevY are the reported standard deviations in degrees.
	DevX float64 `json:"dev_x"`
	DevY float64 `json:"dev_y"`
}

// Deviation is the mean of the per-checkpoint deviations.
type Deviation struct {
	X       float64 `json:"x"`
	Y       float64 `json:"y"`
	Samples int     `json:"samples"`
}

// add records one checkpoint and its reply.
func (v *ValidationResult) add(check gaze.Sample, reply string) {
	v.CheckPoints = append(v.CheckPoints, fmt.Sprintf("%d %d", check.X, check.Y))
	v.Measurements = append(v.Measurements, strings.TrimSpace(reply))
}

// ValidationPointCount is the number of checkpoints Validate sends.
const ValidationPointCount = 4

// Complete reports whether every checkpoint got a measurement.
func (v *ValidationResult) Complete() bool {
	return len(v.Measurements) == ValidationPointCount
}

// Parsed decodes every recorded reply. Unparseable entries are skipped.
func (v *ValidationResult) Parsed() []Measurement {
	var out []Measurement
	for i, reply := range v.Measurements {
		m, err := parseMeasurement(reply)
		if err != nil {
			continue
		}
		if i < len(v.CheckPoints) {
			if check, err := parsePair(v.CheckPoints[i]); err == nil {
				m.Check = check
			}
		}
		out = append(out, m)
	}
	return out
}

// MeanDeviation averages the x and y deviation tokens over all replies that
// parsed. It returns a zero Deviation when none did.
func (v *ValidationResult) MeanDeviation() Deviation {
	parsed := v.Parsed()
	if len(parsed) == 0 {
		return Deviation{}
	}
	xs := make([]float64, len(parsed))
	ys := make([]float64, len(parsed))
	for i, m := range parsed {
		xs[i] = m.DevX
		ys[i] = m.DevY
	}
	return Deviation{
		X:       stat.Mean(xs, nil),
		Y:       stat.Mean(ys, nil),
		Samples: len(parsed),
	}
}

// parseMeasurement reads "ET_VLS <gx> <gy> <dx>° <dy>°".
func parseMeasurement(reply string) (Measurement, error) {
	fields := strings.Fields(reply)
	if len(fields) < 5 || fields[0] != cmdValidationReply {
		return Measurement{}, fmt.Errorf("malformed validation reply %q", reply)
	}
	var v [4]float64
	for i, tok := range fields[1:5] {
		f, err := parseNumber(tok)
		if err != nil {
			return Measurement{}, fmt.Errorf("validation reply %q field %d: %w", reply, i+1, err)
		}
		v[i] = f
	}
	return Measurement{
		Gaze: gaze.Sample{X: int(math.Trunc(v[0])), Y: int(math.Trunc(v[1]))},
		DevX: v[2],
		DevY: v[3],
	}, nil
}

// parseNumber parses a float, dropping a trailing unit such as "°".
func parseNumber(tok string) (float64, error) {
	tok = strings.TrimRightFunc(tok, func(r rune) bool {
		return !unicode.IsDigit(r) && r != '.'
	})
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not finite: %q", tok)
	}
	return f, nil
}

func parsePair(s string) (gaze.Sample, error) {
	fields := strings.Fields(s)
	if len(fields) != 2 {
		return gaze.Sample{}, fmt.Errorf("expected two integers, got %q", s)
	}
	x, err := strconv.Atoi(fields[0])
	if err != nil {
		return gaze.Sample{}, err
	}
	y, err := strconv.Atoi(fields[1])
	if err != nil {
		return gaze.Sample{}, err
	}
	return gaze.Sample{X: x, Y: y}, nil
}

// checkPoints returns the validation targets for a w x h screen.
func checkPoints(w, h int) []gaze.Sample {
	return []gaze.Sample{
		{X: w / 4, Y: h / 4},
		{X: 3 * w / 4, Y: 3 * h / 4},
		{X: 3 * w / 4, Y: h / 4},
		{X: w / 4, Y: 3 * h / 4},
	}
}
