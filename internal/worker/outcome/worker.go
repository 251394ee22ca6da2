// Package outcome persists send outcome events to the attempt log.
package outcome

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/acme/blast-dispatch/internal/domain"
	"github.com/acme/blast-dispatch/internal/queue"
	"github.com/acme/blast-dispatch/internal/repository"
	"github.com/acme/blast-dispatch/pkg/logger"
)

// Reader is the subset of *kafka.Reader the worker consumes.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Recorder appends outcome events to the attempt store. It also serves as the
// in-process event sink when no broker is configured.
type Recorder struct {
	store repository.AttemptStore
}

// NewRecorder constructs a recorder.
func NewRecorder(store repository.AttemptStore) *Recorder {
	return &Recorder{store: store}
}

// Publish stores one event as a send attempt.
func (r *Recorder) Publish(ctx context.Context, evt queue.OutcomeEvent) error {
	return r.store.AppendAttempt(ctx, domain.SendAttempt{
		ID:         evt.EventID,
		CampaignID: evt.CampaignID,
		TaskID:     evt.TaskID,
		AccountID:  evt.AccountID,
		Recipient:  evt.Recipient,
		AttemptNum: evt.Attempt,
		Outcome:    domain.OutcomeKind(evt.Outcome),
		Error:      evt.Error,
		CreatedAt:  evt.OccurredAt,
		Duration:   time.Duration(evt.DurationMs) * time.Millisecond,
	})
}

// Worker consumes outcome events and records them.
type Worker struct {
	reader   Reader
	recorder *Recorder
	log      *logger.Logger
}

// New creates a new outcome worker.
func New(reader Reader, recorder *Recorder, log *logger.Logger) *Worker {
	if log == nil {
		log = logger.NewNop()
	}
	return &Worker{reader: reader, recorder: recorder, log: log.Named("outcome-worker")}
}

// Run processes outcome events until the context is cancelled. A message is
// committed once it is stored or found undecodable.
func (w *Worker) Run(ctx context.Context) error {
	defer w.reader.Close()
	tracer := otel.Tracer("blast.outcomeworker")

	for {
		msg, err := w.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("outcome worker: fetch", zap.Error(err))
			continue
		}

		var evt queue.OutcomeEvent
		if err := json.Unmarshal(msg.Value, &evt); err != nil {
			w.log.Error("outcome worker: unmarshal", zap.Error(err), zap.Int64("offset", msg.Offset))
			_ = w.reader.CommitMessages(ctx, msg)
			continue
		}

		sctx, span := tracer.Start(ctx, "outcome.record", trace.WithAttributes(
			attribute.String("campaign.id", evt.CampaignID.String()),
			attribute.String("task.id", evt.TaskID.String()),
			attribute.Int("attempt", evt.Attempt),
			attribute.String("outcome", evt.Outcome),
		))

		if err := w.recorder.Publish(sctx, evt); err != nil {
			span.RecordError(err)
			span.End()
			w.log.Error("outcome worker: append attempt", zap.Error(err),
				zap.String("campaign_id", evt.CampaignID.String()))
			continue
		}

		if err := w.reader.CommitMessages(sctx, msg); err != nil {
			span.RecordError(err)
			w.log.Error("outcome worker: commit", zap.Error(err))
		}
		span.End()
	}
}
