package domain

import (
	"fmt"
	"time"
)

type StreamID string
type SessionID string
type UserID string
type QualityID string

// QualityLevel is one rendition of the same content.
type QualityLevel struct {
	ID      QualityID `json:"id" yaml:"id"`
	Label   string    `json:"label" yaml:"label"`
	Width   int       `json:"width" yaml:"width"`
	Height  int       `json:"height" yaml:"height"`
	Bitrate int64     `json:"bitrate" yaml:"bitrate"` // bits per second
	FPS     float64   `json:"fps" yaml:"fps"`
	Codec   string    `json:"codec" yaml:"codec"`
}

func (q QualityLevel) String() string {
	return fmt.Sprintf("%s@%dbps", q.ID, q.Bitrate)
}

type DecisionReason string

const (
	ReasonInitial         DecisionReason = "initial"
	ReasonUpgrade         DecisionReason = "upgrade"
	ReasonDowngrade       DecisionReason = "downgrade"
	ReasonStable          DecisionReason = "stable"
	ReasonBufferCritical  DecisionReason = "buffer_critical"
	ReasonUpgradeDeferred DecisionReason = "upgrade_deferred"
	ReasonManual          DecisionReason = "manual"
)

// Decision is consumed by the playback layer to switch rendition.
type Decision struct {
	Level    QualityLevel   `json:"level"`
	Previous QualityLevel   `json:"previous"`
	Reason   DecisionReason `json:"reason"`
	Switched bool           `json:"switched"`
	At       time.Time      `json:"at"`
}

// QualitySnapshot records one rendition switch.
type QualitySnapshot struct {
	From      QualityID      `json:"from"`
	To        QualityID      `json:"to"`
	Reason    DecisionReason `json:"reason"`
	Timestamp time.Time      `json:"timestamp"`
	Bandwidth float64        `json:"bandwidth"`
}
