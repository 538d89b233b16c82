package services

import (
	"fmt"
	"sort"

	"streamadapt/internal/core/domain"
)

const DefaultSafetyFactor = 0.8

// QualityLadder is the immutable, bitrate-ordered set of renditions.
type QualityLadder struct {
	levels []domain.QualityLevel
	index  map[domain.QualityID]int
}

// NewQualityLadder creates a new ladder sorted by bitrate. Levels must be
// non-empty with unique, non-empty ids.
func NewQualityLadder(levels []domain.QualityLevel) (*QualityLadder, error) {
	if len(levels) == 0 {
		return nil, domain.ErrEmptyLadder
	}

	sorted := make([]domain.QualityLevel, len(levels))
	copy(sorted, levels)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Bitrate < sorted[j].Bitrate
	})

	index := make(map[domain.QualityID]int, len(sorted))
	for i, level := range sorted {
		if level.ID == "" {
			return nil, fmt.Errorf("quality level at position %d has empty id", i)
		}
		if _, exists := index[level.ID]; exists {
			return nil, fmt.Errorf("%w: %s", domain.ErrDuplicateQuality, level.ID)
		}
		index[level.ID] = i
	}

	return &QualityLadder{levels: sorted, index: index}, nil
}

// DefaultLadder is used when configuration does not define one.
func DefaultLadder() *QualityLadder {
	ladder, _ := NewQualityLadder([]domain.QualityLevel{
		{ID: "240p", Label: "240p", Width: 426, Height: 240, Bitrate: 500_000, FPS: 30, Codec: "h264"},
		{ID: "360p", Label: "360p", Width: 640, Height: 360, Bitrate: 1_000_000, FPS: 30, Codec: "h264"},
		{ID: "480p", Label: "480p", Width: 854, Height: 480, Bitrate: 1_500_000, FPS: 30, Codec: "h264"},
		{ID: "720p", Label: "720p", Width: 1280, Height: 720, Bitrate: 3_000_000, FPS: 30, Codec: "h264"},
		{ID: "1080p", Label: "1080p", Width: 1920, Height: 1080, Bitrate: 5_000_000, FPS: 30, Codec: "h264"},
	})
	return ladder
}

// Levels returns a copy of the levels, lowest bitrate first.
func (l *QualityLadder) Levels() []domain.QualityLevel {
	out := make([]domain.QualityLevel, len(l.levels))
	copy(out, l.levels)
	return out
}

func (l *QualityLadder) Len() int {
	return len(l.levels)
}

// Lowest returns the lowest bitrate level.
func (l *QualityLadder) Lowest() domain.QualityLevel {
	return l.levels[0]
}

// Highest returns the highest bitrate level.
func (l *QualityLadder) Highest() domain.QualityLevel {
	return l.levels[len(l.levels)-1]
}

// Pick returns the highest level whose bitrate fits bandwidth*safetyFactor,
// or the lowest level when none fits.
func (l *QualityLadder) Pick(bandwidth, safetyFactor float64) domain.QualityLevel {
	if safetyFactor <= 0 {
		safetyFactor = DefaultSafetyFactor
	}
	if bandwidth <= 0 {
		return l.Lowest()
	}

	budget := bandwidth * safetyFactor
	picked := l.levels[0]
	for _, level := range l.levels {
		if float64(level.Bitrate) > budget {
			break
		}
		picked = level
	}
	return picked
}

// ByID looks up a level by id.
func (l *QualityLadder) ByID(id domain.QualityID) (domain.QualityLevel, bool) {
	i, ok := l.index[id]
	if !ok {
		return domain.QualityLevel{}, false
	}
	return l.levels[i], true
}

// Position maps a level to its rank in [0,1]; a single-level ladder is 1.
func (l *QualityLadder) Position(id domain.QualityID) float64 {
	i, ok := l.index[id]
	if !ok {
		return 0
	}
	if len(l.levels) == 1 {
		return 1
	}
	return float64(i) / float64(len(l.levels)-1)
}
