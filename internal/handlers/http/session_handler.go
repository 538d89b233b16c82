package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"streamadapt/internal/core/domain"
	"streamadapt/internal/core/ports"
	"streamadapt/pkg/circuitbreaker"
	apperrors "streamadapt/pkg/errors"
	"streamadapt/pkg/validation"
)

const defaultHistoryLimit = 50

type SessionHandler struct {
	service ports.StreamingService
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(service ports.StreamingService) *SessionHandler {
	return &SessionHandler{service: service}
}

// SetupRoutes registers the /api/v1 routes.
func (h *SessionHandler) SetupRoutes(router *gin.Engine) {
	api := router.Group("/api/v1")
	{
		api.POST("/sessions", h.StartSession)
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)
		api.GET("/sessions/:id/history", h.GetQualityHistory)
		api.POST("/sessions/:id/pause", h.PauseSession)
		api.POST("/sessions/:id/resume", h.ResumeSession)
		api.POST("/sessions/:id/stop", h.StopSession)
		api.POST("/sessions/:id/quality", h.ChangeQuality)
		api.POST("/sessions/:id/samples", h.ObserveNetwork)
		api.POST("/sessions/:id/playback", h.RecordPlayback)
		api.POST("/sessions/:id/segments", h.IngestSegment)
		api.GET("/sessions/:id/segments/:index", h.LoadSegment)

		api.GET("/ladder", h.GetLadder)
		api.GET("/aggregates", h.GetAggregates)
		api.GET("/alerts", h.ListAlerts)
		api.POST("/alerts/:id/ack", h.AcknowledgeAlert)
		api.GET("/cache/:stream_id/stats", h.GetCacheStats)
		api.GET("/history", h.ListHistory)
	}
}

// sampleRequest is the wire form of a network sample; durations are in
// milliseconds.
type sampleRequest struct {
	Bandwidth  float64   `json:"bandwidth" binding:"gte=0"`
	LatencyMs  float64   `json:"latency_ms" binding:"gte=0"`
	PacketLoss float64   `json:"packet_loss" binding:"gte=0,lte=1"`
	JitterMs   float64   `json:"jitter_ms" binding:"gte=0"`
	Timestamp  time.Time `json:"timestamp"`
}

func (r sampleRequest) toDomain() domain.NetworkSample {
	return domain.NetworkSample{
		Bandwidth:  r.Bandwidth,
		Latency:    millis(r.LatencyMs),
		PacketLoss: r.PacketLoss,
		Jitter:     millis(r.JitterMs),
		Timestamp:  r.Timestamp,
	}
}

type overridesRequest struct {
	SwitchCooldownMs *int64   `json:"switch_cooldown_ms"`
	SafetyFactor     *float64 `json:"safety_factor"`
	MaxBuffer        *float64 `json:"max_buffer"`
	TargetBuffer     *float64 `json:"target_buffer"`
	MaxRetries       *int     `json:"max_retries"`
	EWMAAlpha        *float64 `json:"ewma_alpha"`
}

func (r *overridesRequest) toPorts() ports.SessionOverrides {
	if r == nil {
		return ports.SessionOverrides{}
	}
	o := ports.SessionOverrides{
		SafetyFactor: r.SafetyFactor,
		MaxBuffer:    r.MaxBuffer,
		TargetBuffer: r.TargetBuffer,
		MaxRetries:   r.MaxRetries,
		EWMAAlpha:    r.EWMAAlpha,
	}
	if r.SwitchCooldownMs != nil {
		d := time.Duration(*r.SwitchCooldownMs) * time.Millisecond
		o.SwitchCooldown = &d
	}
	return o
}

func millis(ms float64) time.Duration {
	return time.Duration(ms * float64(time.Millisecond))
}

// StartSession creates a session and returns 201 with its snapshot.
func (h *SessionHandler) StartSession(c *gin.Context) {
	var req struct {
		VideoID          domain.StreamID   `json:"video_id" binding:"required"`
		UserID           domain.UserID     `json:"user_id"`
		InitialQualityID domain.QualityID  `json:"initial_quality_id"`
		Sample           *sampleRequest    `json:"sample"`
		Overrides        *overridesRequest `json:"overrides"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validateStartRequest(string(req.VideoID), string(req.UserID), string(req.InitialQualityID)); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	startReq := ports.StartStreamRequest{
		VideoID:          req.VideoID,
		UserID:           req.UserID,
		InitialQualityID: req.InitialQualityID,
		Overrides:        req.Overrides.toPorts(),
	}
	if req.Sample != nil {
		sample := req.Sample.toDomain()
		startReq.InitialSample = &sample
	}

	snap, err := h.service.StartStream(c.Request.Context(), startReq)
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": snap})
}

func (h *SessionHandler) ListSessions(c *gin.Context) {
	sessions := h.service.ListSessions(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// GetSession serves live sessions and falls back to the archive.
func (h *SessionHandler) GetSession(c *gin.Context) {
	snap, err := h.service.GetSession(c.Request.Context(), sessionID(c))
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": snap})
}

func (h *SessionHandler) GetQualityHistory(c *gin.Context) {
	history, err := h.service.QualityHistory(c.Request.Context(), sessionID(c))
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (h *SessionHandler) PauseSession(c *gin.Context) {
	h.respondSnapshot(c, h.service.PauseStream)
}

func (h *SessionHandler) ResumeSession(c *gin.Context) {
	h.respondSnapshot(c, h.service.ResumeStream)
}

// StopSession ends the session; stopping an archived session returns its
// record.
func (h *SessionHandler) StopSession(c *gin.Context) {
	h.respondSnapshot(c, h.service.StopStream)
}

func (h *SessionHandler) respondSnapshot(c *gin.Context, op func(ctx context.Context, id domain.SessionID) (*domain.SessionSnapshot, error)) {
	snap, err := op(c.Request.Context(), sessionID(c))
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": snap})
}

// ChangeQuality applies a manual quality override.
func (h *SessionHandler) ChangeQuality(c *gin.Context) {
	var req struct {
		QualityID domain.QualityID `json:"quality_id" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}
	if err := validation.ValidateID("quality_id", string(req.QualityID)); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	snap, err := h.service.ChangeQuality(c.Request.Context(), sessionID(c), req.QualityID)
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": snap})
}

// ObserveNetwork feeds one network sample to the session.
func (h *SessionHandler) ObserveNetwork(c *gin.Context) {
	var req sampleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	if err := h.service.ObserveNetwork(c.Request.Context(), sessionID(c), req.toDomain()); err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.Status(http.StatusAccepted)
}

// RecordPlayback drains played seconds from the session buffer.
func (h *SessionHandler) RecordPlayback(c *gin.Context) {
	var req struct {
		Seconds *float64 `json:"seconds" binding:"required,gte=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	snap, err := h.service.RecordPlayback(c.Request.Context(), sessionID(c), *req.Seconds)
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": snap})
}

// IngestSegment accepts a segment pushed by an external fetch layer. The
// payload is base64 in JSON.
func (h *SessionHandler) IngestSegment(c *gin.Context) {
	var req struct {
		QualityID    domain.QualityID `json:"quality_id"`
		SegmentIndex int              `json:"segment_index" binding:"gte=0"`
		Payload      []byte           `json:"payload"`
		Size         *int64           `json:"size" binding:"omitempty,gte=0"`
		Duration     float64          `json:"duration" binding:"gte=0"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(apperrors.NewInvalidInputError(err.Error()))
		return
	}

	size := int64(len(req.Payload))
	if req.Size != nil {
		size = *req.Size
	}
	res := &domain.SegmentFetchResult{
		Key:      domain.SegmentKey{QualityID: req.QualityID, SegmentIndex: req.SegmentIndex},
		Payload:  req.Payload,
		Size:     size,
		Duration: req.Duration,
	}

	if err := h.service.IngestSegment(c.Request.Context(), sessionID(c), res); err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"key": res.Key, "size": res.Size})
}

// LoadSegment fetches a segment for the session's current rendition.
func (h *SessionHandler) LoadSegment(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil || index < 0 {
		_ = c.Error(apperrors.NewInvalidInputError("segment index must be a non-negative integer"))
		return
	}

	res, err := h.service.LoadSegment(c.Request.Context(), sessionID(c), index)
	if err != nil {
		appErr := toAppError(err)
		if appErr.Code == apperrors.ErrCodeInternal || errors.Is(err, domain.ErrPayloadCorrupt) {
			appErr = apperrors.WrapError(err, apperrors.ErrCodeBadGateway, "segment fetch failed", http.StatusBadGateway)
		}
		_ = c.Error(appErr)
		return
	}
	c.JSON(http.StatusOK, gin.H{"segment": res})
}

func (h *SessionHandler) GetLadder(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"levels": h.service.Ladder()})
}

func (h *SessionHandler) GetAggregates(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"aggregates": h.service.Aggregates(c.Request.Context())})
}

// ListAlerts returns all alerts, or only open ones with ?open=true.
func (h *SessionHandler) ListAlerts(c *gin.Context) {
	openOnly, err := strconv.ParseBool(c.DefaultQuery("open", "false"))
	if err != nil {
		_ = c.Error(apperrors.NewInvalidInputError("open must be a boolean"))
		return
	}
	alerts := h.service.Alerts(c.Request.Context(), openOnly)
	c.JSON(http.StatusOK, gin.H{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// AcknowledgeAlert resolves an open alert.
func (h *SessionHandler) AcknowledgeAlert(c *gin.Context) {
	alert, err := h.service.AcknowledgeAlert(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"alert": alert})
}

// GetCacheStats returns counters for one stream's segment cache.
func (h *SessionHandler) GetCacheStats(c *gin.Context) {
	streamID := domain.StreamID(c.Param("stream_id"))
	stats, ok := h.service.CacheStats(c.Request.Context(), streamID)
	if !ok {
		_ = c.Error(apperrors.NewNotFoundError("stream cache").WithContext("stream_id", streamID))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"stats":     stats,
		"hit_ratio": stats.HitRatio(),
	})
}

// ListHistory returns archived sessions, optionally for one user_id.
func (h *SessionHandler) ListHistory(c *gin.Context) {
	limit := defaultHistoryLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			_ = c.Error(apperrors.NewInvalidInputError("limit must be between 1 and 1000"))
			return
		}
		limit = n
	}

	var (
		records []*domain.SessionRecord
		err     error
	)
	if userID := c.Query("user_id"); userID != "" {
		if vErr := validation.ValidateID("user_id", userID); vErr != nil {
			_ = c.Error(apperrors.NewInvalidInputError(vErr.Error()))
			return
		}
		records, err = h.service.UserHistory(c.Request.Context(), domain.UserID(userID), limit)
	} else {
		records, err = h.service.History(c.Request.Context(), limit)
	}
	if err != nil {
		_ = c.Error(toAppError(err))
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": records,
		"count":    len(records),
	})
}

func validateStartRequest(videoID, userID, qualityID string) error {
	if err := validation.ValidateID("video_id", videoID); err != nil {
		return err
	}
	if err := validation.ValidateOptionalID("user_id", userID); err != nil {
		return err
	}
	return validation.ValidateOptionalID("initial_quality_id", qualityID)
}

func sessionID(c *gin.Context) domain.SessionID {
	return domain.SessionID(c.Param("id"))
}

// toAppError maps core errors onto HTTP-facing application errors.
func toAppError(err error) *apperrors.AppError {
	if appErr := apperrors.GetAppError(err); appErr != nil {
		return appErr
	}

	switch {
	case errors.Is(err, domain.ErrSessionNotFound), errors.Is(err, domain.ErrRecordNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, "session not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrAlertNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, "alert not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrSegmentNotFound):
		return apperrors.WrapError(err, apperrors.ErrCodeNotFound, "segment not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrSessionExists):
		return apperrors.WrapError(err, apperrors.ErrCodeConflict, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrSessionEnded),
		errors.Is(err, domain.ErrNoNetworkEstimate):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidState, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidArgument),
		errors.Is(err, domain.ErrUnknownQuality),
		errors.Is(err, domain.ErrPayloadCorrupt),
		errors.Is(err, domain.ErrEmptyLadder),
		errors.Is(err, domain.ErrDuplicateQuality):
		return apperrors.WrapError(err, apperrors.ErrCodeInvalidInput, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrShuttingDown), errors.Is(err, circuitbreaker.ErrOpen):
		return apperrors.WrapError(err, apperrors.ErrCodeServiceUnavailable, err.Error(), http.StatusServiceUnavailable)
	default:
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}
