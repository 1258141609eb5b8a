package ledger

import (
	"context"
	"time"

	"github.com/aristath/fleet/internal/events"
	"github.com/rs/zerolog"
)

const saveTimeout = 10 * time.Second

// Recorder stores every executed batch published on the event bus.
// Storage failures are logged and never reach the dispatcher.
type Recorder struct {
	repo *ReportRepository
	bus  *events.Bus
	sub  events.SubscriptionID
	log  zerolog.Logger
}

// NewRecorder creates a recorder. Call Start to subscribe.
func NewRecorder(repo *ReportRepository, bus *events.Bus, log zerolog.Logger) *Recorder {
	return &Recorder{
		repo: repo,
		bus:  bus,
		log:  log.With().Str("component", "ledger_recorder").Logger(),
	}
}

// Start subscribes to BatchExecuted events
func (r *Recorder) Start() {
	r.sub = r.bus.Subscribe(events.BatchExecuted, r.handle)
}

// Stop unsubscribes
func (r *Recorder) Stop() {
	r.bus.Unsubscribe(events.BatchExecuted, r.sub)
}

func (r *Recorder) handle(event *events.Event) {
	data, ok := event.GetTypedData().(*events.BatchExecutedData)
	if !ok || data.Report == nil {
		r.log.Warn().Str("event", string(event.Type)).Msg("Unexpected event payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()

	if err := r.repo.Save(ctx, data.Operation, data.Report); err != nil {
		r.log.Error().
			Err(err).
			Str("request_id", data.Report.RequestID).
			Msg("Failed to record batch report")
	}
}
