package services

import (
	"sync"
	"time"

	"streamadapt/internal/core/domain"

	"go.uber.org/zap"
)

const DefaultEWMAAlpha = 0.3

// NetworkEstimator smooths raw probe samples with an exponentially
// weighted moving average. One estimator per connection.
type NetworkEstimator struct {
	mu     sync.RWMutex
	alpha  float64
	state  domain.NetworkMetrics
	logger *zap.SugaredLogger
}

// NewNetworkEstimator creates a new estimator with smoothing factor alpha.
func NewNetworkEstimator(alpha float64, logger *zap.SugaredLogger) *NetworkEstimator {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultEWMAAlpha
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &NetworkEstimator{
		alpha:  alpha,
		logger: logger,
	}
}

// Observe folds a sample into the estimate. Malformed samples are
// dropped and reported as false.
func (e *NetworkEstimator) Observe(sample domain.NetworkSample) bool {
	if !validSample(sample) {
		e.logger.Debugw("discarding malformed network sample",
			"bandwidth", sample.Bandwidth,
			"latency", sample.Latency,
			"packet_loss", sample.PacketLoss,
			"jitter", sample.Jitter,
		)
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state.SampleCount == 0 {
		e.state.Bandwidth = sample.Bandwidth
		e.state.Latency = sample.Latency
		e.state.PacketLoss = sample.PacketLoss
		e.state.Jitter = sample.Jitter
	} else {
		e.state.Bandwidth = e.smooth(e.state.Bandwidth, sample.Bandwidth)
		e.state.Latency = time.Duration(e.smooth(float64(e.state.Latency), float64(sample.Latency)))
		e.state.PacketLoss = e.smooth(e.state.PacketLoss, sample.PacketLoss)
		e.state.Jitter = time.Duration(e.smooth(float64(e.state.Jitter), float64(sample.Jitter)))
	}
	if e.state.Bandwidth < 0 {
		e.state.Bandwidth = 0
	}
	e.state.SampleCount++
	e.state.UpdatedAt = sample.Timestamp
	return true
}

func (e *NetworkEstimator) smooth(prev, next float64) float64 {
	return e.alpha*next + (1-e.alpha)*prev
}

// Current returns the last smoothed snapshot. Stale values are kept as-is.
func (e *NetworkEstimator) Current() domain.NetworkMetrics {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// HasEstimate reports whether any valid sample has been seen.
func (e *NetworkEstimator) HasEstimate() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.SampleCount > 0
}

func (e *NetworkEstimator) Alpha() float64 {
	return e.alpha
}

func validSample(s domain.NetworkSample) bool {
	return s.Bandwidth >= 0 &&
		s.Latency >= 0 &&
		s.Jitter >= 0 &&
		s.PacketLoss >= 0 &&
		s.PacketLoss <= 1
}
