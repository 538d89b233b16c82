package domain

import (
	"fmt"
	"time"
)

// SegmentKey identifies one media segment of one rendition.
type SegmentKey struct {
	StreamID     StreamID  `json:"stream_id"`
	QualityID    QualityID `json:"quality_id"`
	SegmentIndex int       `json:"segment_index"`
}

func (k SegmentKey) String() string {
	return fmt.Sprintf("%s/%s/%d", k.StreamID, k.QualityID, k.SegmentIndex)
}

// SegmentFetchResult is handed over by the media fetch layer.
type SegmentFetchResult struct {
	Key      SegmentKey `json:"key"`
	Payload  []byte     `json:"payload"`
	Size     int64      `json:"size"`
	Duration float64    `json:"duration"` // seconds of media
}

type CacheEntry struct {
	Key         SegmentKey `json:"key"`
	Size        int64      `json:"size"`
	AccessCount int64      `json:"access_count"`
	LastAccess  time.Time  `json:"last_access"`
	StoredAt    time.Time  `json:"stored_at"`
	Owner       SessionID  `json:"owner"`
}

type CacheStats struct {
	StreamID  StreamID `json:"stream_id"`
	Entries   int      `json:"entries"`
	Size      int64    `json:"size"`
	MaxSize   int64    `json:"max_size"`
	Hits      int64    `json:"hits"`
	Misses    int64    `json:"misses"`
	Evictions int64    `json:"evictions"`
	Bypasses  int64    `json:"bypasses"`
}

// HitRatio returns hits / (hits + misses), or 0 with no lookups.
func (s CacheStats) HitRatio() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}
