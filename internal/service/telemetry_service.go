package service

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/tollgate/tollgate/internal/models"
)

// TelemetryService accepts request log entries from the hot path without
// ever blocking it. Entries go onto a bounded queue consumed by the
// telemetry worker; when the queue is full the entry is dropped and counted,
// never surfaced as an error to the request.
type TelemetryService struct {
	queue   chan *models.RequestLogEntry
	dropped atomic.Int64
}

// NewTelemetryService constructs a TelemetryService with a bounded queue.
func NewTelemetryService(queueSize int) *TelemetryService {
	return &TelemetryService{
		queue: make(chan *models.RequestLogEntry, queueSize),
	}
}

// Record enqueues an entry. Non-blocking by construction: a full queue drops
// the newest entry.
func (s *TelemetryService) Record(entry *models.RequestLogEntry) {
	select {
	case s.queue <- entry:
	default:
		n := s.dropped.Add(1)
		if n%100 == 1 {
			log.Warn().Int64("dropped_total", n).Msg("telemetry queue saturated, dropping entries")
		}
	}
}

// Queue exposes the consumer side for the telemetry worker.
func (s *TelemetryService) Queue() <-chan *models.RequestLogEntry {
	return s.queue
}

// Dropped returns the count of entries lost to queue saturation.
func (s *TelemetryService) Dropped() int64 {
	return s.dropped.Load()
}
