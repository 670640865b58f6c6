package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tollgate/tollgate/internal/models"
	"github.com/tollgate/tollgate/internal/service"
)

// LogStore is the durable sink for request log entries.
// repository.RequestLogRepository satisfies it.
type LogStore interface {
	Insert(ctx context.Context, e *models.RequestLogEntry) error
}

// TelemetryWorker drains the telemetry queue into the durable store. Insert
// failures are logged and swallowed; they never affect responses already
// sent to clients.
type TelemetryWorker struct {
	store         LogStore
	telemetry     *service.TelemetryService
	insertTimeout time.Duration
}

// NewTelemetryWorker constructs a TelemetryWorker.
func NewTelemetryWorker(store LogStore, telemetry *service.TelemetryService, insertTimeout time.Duration) *TelemetryWorker {
	if insertTimeout <= 0 {
		insertTimeout = 5 * time.Second
	}
	return &TelemetryWorker{
		store:         store,
		telemetry:     telemetry,
		insertTimeout: insertTimeout,
	}
}

// Start consumes the queue until the context is cancelled, then drains
// whatever is already buffered before returning.
func (w *TelemetryWorker) Start(ctx context.Context) {
	log.Info().Msg("Starting telemetry worker")

	for {
		select {
		case entry := <-w.telemetry.Queue():
			w.insert(entry)
		case <-ctx.Done():
			w.drain()
			log.Info().Msg("Telemetry worker stopped")
			return
		}
	}
}

func (w *TelemetryWorker) insert(entry *models.RequestLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), w.insertTimeout)
	defer cancel()

	if err := w.store.Insert(ctx, entry); err != nil {
		log.Error().Err(err).Str("host", entry.Host).Msg("failed to persist request log entry")
	}
}

// drain flushes buffered entries on shutdown without waiting for new ones.
func (w *TelemetryWorker) drain() {
	for {
		select {
		case entry := <-w.telemetry.Queue():
			w.insert(entry)
		default:
			return
		}
	}
}
