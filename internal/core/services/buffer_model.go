package services

import "streamadapt/internal/core/domain"

// BufferModel tracks buffered media seconds. Not safe for concurrent use;
// the owning session serializes access.
type BufferModel struct {
	current   float64
	target    float64
	max       float64
	underruns int
	overruns  int
}

// NewBufferModel creates a new empty buffer. target is clamped to [0, max].
func NewBufferModel(target, max float64) *BufferModel {
	if max < 0 {
		max = 0
	}
	if target > max {
		target = max
	}
	if target < 0 {
		target = 0
	}
	return &BufferModel{target: target, max: max}
}

// Fill adds downloaded media. Overflow counts one overrun and clamps.
func (b *BufferModel) Fill(seconds float64) {
	if seconds <= 0 {
		return
	}
	b.current += seconds
	if b.current > b.max {
		b.current = b.max
		b.overruns++
	}
}

// Drain consumes played media and reports starvation. Asking for more
// than is buffered counts exactly one underrun and clamps to zero.
func (b *BufferModel) Drain(seconds float64) (starved bool) {
	if seconds <= 0 {
		return false
	}
	if seconds > b.current {
		b.current = 0
		b.underruns++
		return true
	}
	b.current -= seconds
	return false
}

func (b *BufferModel) Health() domain.BufferHealth {
	return b.Metrics().Health()
}

// Metrics returns a copy of the buffer state.
func (b *BufferModel) Metrics() domain.BufferMetrics {
	return domain.BufferMetrics{
		Current:   b.current,
		Target:    b.target,
		Max:       b.max,
		Underruns: b.underruns,
		Overruns:  b.overruns,
	}
}
