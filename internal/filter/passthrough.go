package filter

// Passthrough publishes every raw sample unchanged.
type Passthrough struct {
	base
}

// NewPassthrough returns a stateless passthrough filter.
func NewPassthrough() *Passthrough {
	return &Passthrough{base: newBase()}
}

func (p *Passthrough) Filter(x, y int) error {
	return p.publish(x, y)
}
