package main

import (
	"streamadapt/internal/core/services"
	"streamadapt/pkg/config"
)

// serviceConfig maps the streaming section onto the core service
// configuration. Empty ladder or alert rule lists keep the built-ins.
func serviceConfig(cfg *config.Config) services.ServiceConfig {
	st := cfg.Streaming
	sc := services.DefaultServiceConfig()

	sc.TickInterval = st.TickInterval
	sc.CacheMaxSize = st.CacheMaxSize

	sc.Session.Policy.SwitchCooldown = st.SwitchCooldown
	sc.Session.Policy.SafetyFactor = st.SafetyFactor
	sc.Session.TargetBuffer = st.TargetBuffer
	sc.Session.MaxBuffer = st.MaxBuffer
	sc.Session.MaxRetries = st.MaxRetries
	sc.Session.EWMAAlpha = st.EWMAAlpha
	sc.Session.DowngradeWindow = st.DowngradeWindow

	if len(st.Ladder) > 0 {
		sc.Ladder = st.Ladder
	}
	if len(st.AlertRules) > 0 {
		sc.AlertRules = st.AlertRules
	}

	sc.Loader = services.LoaderConfig{
		Retry:   st.Retry,
		Breaker: st.CircuitBreaker,
	}
	return sc
}
