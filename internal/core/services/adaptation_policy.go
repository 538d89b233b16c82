package services

import (
	"time"

	"streamadapt/internal/core/domain"
)

const DefaultSwitchCooldown = 8 * time.Second

type PolicyConfig struct {
	SwitchCooldown time.Duration
	SafetyFactor   float64
}

// DefaultPolicyConfig returns the default hysteresis and cooldown settings.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		SwitchCooldown: DefaultSwitchCooldown,
		SafetyFactor:   DefaultSafetyFactor,
	}
}

// AdaptationPolicy decides renditions with asymmetric hysteresis: drops are
// applied on the next evaluation, rises wait out the cooldown since the
// last automatic or initial switch.
type AdaptationPolicy struct {
	ladder *QualityLadder
	cfg    PolicyConfig

	currentLevel   domain.QualityLevel
	lastSwitchTime time.Time
	pendingLevel   *domain.QualityLevel
	switchCount    int
}

// NewAdaptationPolicy starts at initial; startedAt counts as the last switch.
func NewAdaptationPolicy(ladder *QualityLadder, cfg PolicyConfig, initial domain.QualityLevel, startedAt time.Time) *AdaptationPolicy {
	if cfg.SwitchCooldown < 0 {
		cfg.SwitchCooldown = 0
	}
	if cfg.SafetyFactor <= 0 {
		cfg.SafetyFactor = DefaultSafetyFactor
	}
	return &AdaptationPolicy{
		ladder:         ladder,
		cfg:            cfg,
		currentLevel:   initial,
		lastSwitchTime: startedAt,
	}
}

// Evaluate picks the level for the next segment. A critical buffer drops to
// the lowest level without waiting for the cooldown.
func (p *AdaptationPolicy) Evaluate(network domain.NetworkMetrics, buffer domain.BufferMetrics, now time.Time) domain.Decision {
	candidate := p.ladder.Pick(network.Bandwidth, p.cfg.SafetyFactor)
	health := buffer.Health()
	current := p.currentLevel

	decision := domain.Decision{
		Level:    current,
		Previous: current,
		At:       now,
	}

	switch {
	case health == domain.BufferCritical:
		// starvation override
		decision.Reason = domain.ReasonBufferCritical
		lowest := p.ladder.Lowest()
		if lowest.ID != current.ID {
			p.switchTo(lowest, now)
			decision.Level = lowest
			decision.Switched = true
		}

	case candidate.Bitrate > current.Bitrate:
		if now.Sub(p.lastSwitchTime) >= p.cfg.SwitchCooldown && health != domain.BufferLow {
			p.switchTo(candidate, now)
			decision.Level = candidate
			decision.Switched = true
			decision.Reason = domain.ReasonUpgrade
		} else {
			pending := candidate
			p.pendingLevel = &pending
			decision.Reason = domain.ReasonUpgradeDeferred
		}

	case candidate.Bitrate < current.Bitrate:
		p.switchTo(candidate, now)
		decision.Level = candidate
		decision.Switched = true
		decision.Reason = domain.ReasonDowngrade

	default:
		p.pendingLevel = nil
		decision.Reason = domain.ReasonStable
	}

	return decision
}

func (p *AdaptationPolicy) switchTo(level domain.QualityLevel, now time.Time) {
	p.currentLevel = level
	p.lastSwitchTime = now
	p.pendingLevel = nil
	p.switchCount++
}

// ManualSwitch applies an explicit user choice. The cooldown clock is left
// untouched.
func (p *AdaptationPolicy) ManualSwitch(level domain.QualityLevel, now time.Time) domain.Decision {
	prev := p.currentLevel
	decision := domain.Decision{
		Level:    level,
		Previous: prev,
		Reason:   domain.ReasonManual,
		At:       now,
	}
	if level.ID != prev.ID {
		p.currentLevel = level
		p.pendingLevel = nil
		p.switchCount++
		decision.Switched = true
	}
	return decision
}

func (p *AdaptationPolicy) CurrentLevel() domain.QualityLevel {
	return p.currentLevel
}

// LastSwitchTime is the time of the last switch, counting the initial pick.
func (p *AdaptationPolicy) LastSwitchTime() time.Time {
	return p.lastSwitchTime
}

// PendingLevel is the upgrade target currently held back, if any.
func (p *AdaptationPolicy) PendingLevel() (domain.QualityLevel, bool) {
	if p.pendingLevel == nil {
		return domain.QualityLevel{}, false
	}
	return *p.pendingLevel, true
}

func (p *AdaptationPolicy) SwitchCount() int {
	return p.switchCount
}

func (p *AdaptationPolicy) Config() PolicyConfig {
	return p.cfg
}
