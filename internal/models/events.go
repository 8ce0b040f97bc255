package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType identifies the kind of a job event.
type EventType string

const (
	EventStreamConnected  EventType = "stream_connected"
	EventDiscoveryStarted EventType = "discovery_started"
	EventURLsDiscovered   EventType = "urls_discovered"
	EventURLCrawled       EventType = "url_crawled"
	EventBatchProgress    EventType = "batch_progress"
	EventProgress         EventType = "progress"
	EventBatchError       EventType = "batch_error"
	EventJobFailed        EventType = "job_failed"
	EventJobCompleted     EventType = "job_completed"
)

// IsTerminal reports whether this event type ends a subscription.
func (t EventType) IsTerminal() bool {
	return t == EventJobCompleted || t == EventJobFailed
}

// JobEvent is one entry of a job's append-only progress log.
// EventID is a ULID assigned by the log; lexicographic order equals
// append order.
type JobEvent struct {
	EventID   string
	JobID     string
	UserID    string
	Type      EventType
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Event payloads, one struct per event type. Producers marshal these
// into JobEvent.Payload; subscribers receive them verbatim.

type StreamConnectedPayload struct {
	JobID string `json:"job_id"`
}

type DiscoveryStartedPayload struct {
	JobID string `json:"job_id"`
}

type URLsDiscoveredPayload struct {
	Count           int `json:"count"`
	Depth           int `json:"depth"`
	TotalDiscovered int `json:"total_discovered"`
}

type URLCrawledPayload struct {
	URL           string `json:"url"`
	Success       bool   `json:"success"`
	HTTPStatus    *int   `json:"http_status,omitempty"`
	ContentLength *int   `json:"content_length,omitempty"`
	QualityScore  *int   `json:"quality_score,omitempty"`
	FromCache     bool   `json:"from_cache"`
}

type BatchProgressPayload struct {
	URLs []string `json:"urls"`
}

type ProgressPayload struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

type BatchErrorPayload struct {
	Error string `json:"error"`
	Count int    `json:"count"`
}

type JobFailedPayload struct {
	Error           string `json:"error"`
	TotalProcessed  int    `json:"totalProcessed"`
	TotalDiscovered int    `json:"totalDiscovered"`
}

type JobCompletedPayload struct {
	TotalProcessed  int `json:"totalProcessed"`
	TotalDiscovered int `json:"totalDiscovered"`
	TotalWords      int `json:"totalWords"`
}

// DecodePayload unmarshals the payload into the struct matching the
// event type. Unknown types return an error.
func (e *JobEvent) DecodePayload() (any, error) {
	var v any
	switch e.Type {
	case EventStreamConnected:
		v = &StreamConnectedPayload{}
	case EventDiscoveryStarted:
		v = &DiscoveryStartedPayload{}
	case EventURLsDiscovered:
		v = &URLsDiscoveredPayload{}
	case EventURLCrawled:
		v = &URLCrawledPayload{}
	case EventBatchProgress:
		v = &BatchProgressPayload{}
	case EventProgress:
		v = &ProgressPayload{}
	case EventBatchError:
		v = &BatchErrorPayload{}
	case EventJobFailed:
		v = &JobFailedPayload{}
	case EventJobCompleted:
		v = &JobCompletedPayload{}
	default:
		return nil, fmt.Errorf("unknown event type: %s", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return v, nil
}
