package service

import (
	"testing"
	"time"

	"github.com/tollgate/tollgate/internal/models"
)

func TestRecordEnqueues(t *testing.T) {
	svc := NewTelemetryService(4)
	svc.Record(&models.RequestLogEntry{Host: "a.tollgate.io"})

	select {
	case entry := <-svc.Queue():
		if entry.Host != "a.tollgate.io" {
			t.Errorf("host = %q", entry.Host)
		}
	default:
		t.Fatalf("entry not enqueued")
	}
}

func TestRecordDropsOnSaturationWithoutBlocking(t *testing.T) {
	svc := NewTelemetryService(2)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			svc.Record(&models.RequestLogEntry{Host: "a.tollgate.io"})
		}
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Record blocked on a full queue")
	}

	if got := svc.Dropped(); got != 8 {
		t.Errorf("dropped = %d, want 8", got)
	}
	if len(svc.Queue()) != 2 {
		t.Errorf("queue len = %d, want 2", len(svc.Queue()))
	}
}
