package fetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"streamadapt/internal/core/domain"
	"streamadapt/pkg/tracing"
)

// DurationHeader carries the media duration of a segment in seconds.
const DurationHeader = "X-Segment-Duration"

// maxSegmentBytes bounds a single response body.
const maxSegmentBytes = 64 << 20

// HTTPFetcher pulls segments from an origin laid out as
// {base}/{stream_id}/{quality_id}/{segment_index}.
type HTTPFetcher struct {
	baseURL *url.URL
	client  *http.Client
	logger  *zap.SugaredLogger
}

// NewHTTPFetcher creates a new origin fetcher rooted at baseURL.
func NewHTTPFetcher(baseURL string, timeout time.Duration, logger *zap.SugaredLogger) (*HTTPFetcher, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse fetcher base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("fetcher base url must be http(s), got %q", baseURL)
	}
	return &HTTPFetcher{
		baseURL: u,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

func (f *HTTPFetcher) segmentURL(key domain.SegmentKey) string {
	u := *f.baseURL
	u.Path = u.Path + "/" + url.PathEscape(string(key.StreamID)) +
		"/" + url.PathEscape(string(key.QualityID)) +
		"/" + strconv.Itoa(key.SegmentIndex)
	return u.String()
}

// Fetch implements ports.SegmentFetcher. A 404 maps to
// domain.ErrSegmentNotFound; other non-2xx statuses are plain errors so
// the loader may retry them. Size is the declared Content-Length when the
// origin sends one, so a short body surfaces as a corrupt payload.
func (f *HTTPFetcher) Fetch(ctx context.Context, key domain.SegmentKey) (*domain.SegmentFetchResult, error) {
	ctx, span := tracing.TraceSegmentFetch(ctx, string(key.StreamID), string(key.QualityID), key.SegmentIndex)
	defer span.End()
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.segmentURL(key), nil)
	if err != nil {
		return nil, err
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := f.client.Do(req)
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("request segment %s: %w", key, err)
	}
	defer resp.Body.Close()

	tracing.AddSpanAttributes(ctx, attribute.Int("http.status_code", resp.StatusCode))

	switch {
	case resp.StatusCode == http.StatusNotFound:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %s", domain.ErrSegmentNotFound, key)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		_, _ = io.Copy(io.Discard, resp.Body)
		err := fmt.Errorf("origin returned %d for segment %s", resp.StatusCode, key)
		tracing.RecordError(ctx, err)
		return nil, err
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxSegmentBytes+1))
	if err != nil {
		tracing.RecordError(ctx, err)
		return nil, fmt.Errorf("read segment %s: %w", key, err)
	}
	if len(payload) > maxSegmentBytes {
		return nil, fmt.Errorf("segment %s exceeds %d bytes", key, maxSegmentBytes)
	}

	size := int64(len(payload))
	if resp.ContentLength >= 0 {
		size = resp.ContentLength
	}

	var duration float64
	if raw := resp.Header.Get(DurationHeader); raw != "" {
		duration, err = strconv.ParseFloat(raw, 64)
		if err != nil || duration < 0 {
			f.logger.Warnw("ignoring invalid segment duration header",
				"segment", key.String(),
				"value", raw,
			)
			duration = 0
		}
	}

	tracing.AddSpanAttributes(ctx, tracing.BytesKey.Int64(size))
	tracing.MeasureDuration(ctx, start, "segment_fetch")
	f.logger.Debugw("segment fetched",
		"segment", key.String(),
		"bytes", size,
		"duration", time.Since(start),
	)

	return &domain.SegmentFetchResult{
		Key:      key,
		Payload:  payload,
		Size:     size,
		Duration: duration,
	}, nil
}
