// Package gaze holds the values passed between the tracker clients, the
// smoothing filters and their consumers, plus the single-slot Channel that
// hands samples from a filter to exactly one consumer.
package gaze

import (
	"fmt"
	"math"
)

// Sample is an integer screen coordinate reported by a tracker or produced by
// a filter.
type Sample struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// String formats the sample as "(x,y)".
func (s Sample) String() string {
	return fmt.Sprintf("(%d,%d)", s.X, s.Y)
}

// Distance returns the Euclidean distance between two samples in pixels.
func (s Sample) Distance(o Sample) float64 {
	return math.Hypot(float64(s.X-o.X), float64(s.Y-o.Y))
}

// Fixation is a resting point together with the number of raw samples that
// were classified as belonging to it.
type Fixation struct {
	Point  Sample `json:"point"`
	Cycles int    `json:"cycles"`
}

// NewFixation starts a fixation at p with a cycle count of one.
func NewFixation(p Sample) *Fixation {
	return &Fixation{Point: p, Cycles: 1}
}
