package scanrun

import (
	"time"

	"github.com/google/uuid"

	"github.com/anstrom/neondeck/internal/db"
)

// Event types published during a run.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
)

// Event is a run lifecycle notification.
type Event struct {
	Type            string    `json:"type"`
	RunID           uuid.UUID `json:"scan_id"`
	Status          string    `json:"status"`
	ServicesFound   int       `json:"services_found"`
	NewServices     int       `json:"new_services"`
	RemovedServices int       `json:"removed_services"`
	Error           string    `json:"error,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Publisher receives run events. Publish must not block.
type Publisher interface {
	Publish(event Event)
}

// NopPublisher drops every event.
type NopPublisher struct{}

// Publish implements Publisher.
func (NopPublisher) Publish(Event) {}

func newEvent(eventType string, run *db.ScanRun) Event {
	e := Event{
		Type:            eventType,
		RunID:           run.ID,
		Status:          run.Status,
		ServicesFound:   run.ServicesFound,
		NewServices:     run.NewServices,
		RemovedServices: run.RemovedServices,
		Timestamp:       time.Now().UTC(),
	}
	if run.ErrorMessage != nil {
		e.Error = *run.ErrorMessage
	}
	return e
}
