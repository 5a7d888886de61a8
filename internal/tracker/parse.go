package tracker

import (
	"errors"
	"math"
	"strconv"
	"strings"

	"github.com/banshee-data/gaze.report/internal/gaze"
)

// ErrNotSample marks packets that are valid device traffic but carry no gaze
// sample, such as command acknowledgements. The loops skip them quietly.
var ErrNotSample = errors.New("not a sample packet")

// SampleTag prefixes iViewX sample packets.
const SampleTag = "ET_SPL"

// PacketParser turns one packet into a sample.
type PacketParser func(packet []byte) (gaze.Sample, error)

// ParseSample parses an iViewX sample packet. Two layouts are accepted:
//
//	ET_SPL <eye> <ts> <lx> <rx> <ly> <ry>
//	ET_SPL <ts> <lx> <rx> <ly> <ry>
//
// The sample is the binocular mean, truncated toward zero.
func ParseSample(packet []byte) (gaze.Sample, error) {
	text := string(packet)
	idx := strings.Index(text, SampleTag)
	if idx < 0 {
		return gaze.Sample{}, &ParseError{Packet: text, Reason: "no " + SampleTag + " tag", Err: ErrNotSample}
	}
	fields := strings.Fields(text[idx:])

	var coords []string
	switch len(fields) {
	case 7:
		coords = fields[3:7]
	case 6:
		coords = fields[2:6]
	default:
		return gaze.Sample{}, &ParseError{Packet: text, Reason: "expected 6 or 7 fields, got " + strconv.Itoa(len(fields))}
	}

	var v [4]float64
	for i, tok := range coords {
		f, err := parseCoord(tok)
		if err != nil {
			return gaze.Sample{}, &ParseError{Packet: text, Reason: "bad coordinate " + strconv.Quote(tok), Err: err}
		}
		v[i] = f
	}
	lx, rx, ly, ry := v[0], v[1], v[2], v[3]
	return gaze.Sample{X: truncate((lx + rx) / 2), Y: truncate((ly + ry) / 2)}, nil
}

// ParseITUSample parses a packet from the ITU gaze tracker:
//
//	<tag> <ts> <x> <y>
//
// with floating point coordinates truncated toward zero.
func ParseITUSample(packet []byte) (gaze.Sample, error) {
	text := string(packet)
	fields := strings.Fields(text)
	if len(fields) < 4 {
		return gaze.Sample{}, &ParseError{Packet: text, Reason: "expected at least 4 fields, got " + strconv.Itoa(len(fields))}
	}
	x, err := parseCoord(fields[2])
	if err != nil {
		return gaze.Sample{}, &ParseError{Packet: text, Reason: "bad x", Err: err}
	}
	y, err := parseCoord(fields[3])
	if err != nil {
		return gaze.Sample{}, &ParseError{Packet: text, Reason: "bad y", Err: err}
	}
	return gaze.Sample{X: truncate(x), Y: truncate(y)}, nil
}

func parseCoord(tok string) (float64, error) {
	f, err := strconv.ParseFloat(tok, 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, errors.New("not finite")
	}
	return f, nil
}

func truncate(f float64) int {
	return int(math.Trunc(f))
}
