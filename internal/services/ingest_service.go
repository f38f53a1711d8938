package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/quotefleet/rpatrack/internal/metrics"
	"github.com/quotefleet/rpatrack/pkg/domain"
	"github.com/quotefleet/rpatrack/pkg/persistence"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// IngestService applies completion notices from the automation vendor. It
// owns the webhook-side validation order; the state machine itself lives in
// the store's merge operation.
type IngestService interface {
	Ingest(ctx context.Context, notice domain.CompletionNotice) (*domain.CarrierTask, domain.MergeOutcome, error)
}

type ingestService struct {
	store    persistence.SubmissionStore
	carriers domain.CarrierSet
	logger   *slog.Logger
	now      func() time.Time
}

func NewIngestService(store persistence.SubmissionStore, carriers domain.CarrierSet, logger *slog.Logger, now func() time.Time) IngestService {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &ingestService{store: store, carriers: carriers, logger: logger, now: now}
}

func (s *ingestService) Ingest(ctx context.Context, notice domain.CompletionNotice) (*domain.CarrierTask, domain.MergeOutcome, error) {
	// Normalized once; the same value feeds the supported-set check and the
	// merge key so a padded carrier can never land under a phantom key.
	carrier := domain.Carrier(strings.ToLower(strings.TrimSpace(notice.Carrier)))
	status := domain.TaskStatus(notice.Status)

	if err := s.validate(notice, carrier, status); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			metrics.WebhookRejectedTotal.WithLabelValues(verr.Code).Inc()
		}
		return nil, "", err
	}

	ctx, span := otel.Tracer("rpatrack/ingest").Start(ctx, "rpatrack.webhook.ingest",
		trace.WithAttributes(
			attribute.String("rpatrack.submission_id", notice.SubmissionID),
			attribute.String("rpatrack.carrier", string(carrier)),
			attribute.String("rpatrack.task_id", notice.TaskID),
			attribute.String("rpatrack.status", string(status)),
		),
	)
	defer span.End()

	metrics.WebhookReceivedTotal.WithLabelValues(string(carrier), string(status)).Inc()

	patch := domain.TaskPatch{
		TaskID:       notice.TaskID,
		Status:       status,
		CompletedAt:  notice.CompletedAt,
		Error:        notice.Error,
		ErrorDetails: notice.ErrorDetails,
	}
	if status == domain.StatusCompleted {
		patch.Result = notice.Result
	}

	merged, outcome, err := s.store.Merge(ctx, notice.SubmissionID, carrier, patch)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			span.SetStatus(codes.Error, "submission not found")
			metrics.WebhookRejectedTotal.WithLabelValues("NotFound").Inc()
			return nil, "", ErrSubmissionNotFound
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, "", err
	}

	switch outcome {
	case domain.MergeDuplicate:
		// At-least-once delivery: absorbed, logged, reported as success.
		metrics.WebhookDuplicateTotal.WithLabelValues(string(carrier)).Inc()
		s.logger.Warn("duplicate terminal delivery absorbed",
			"submissionId", notice.SubmissionID,
			"carrier", carrier,
			"taskId", notice.TaskID,
			"storedStatus", merged.Status,
			"incomingStatus", status,
		)
	case domain.MergeRedispatch:
		metrics.WebhookRedispatchTotal.WithLabelValues(string(carrier)).Inc()
		s.logger.Info("terminal record replaced by re-dispatched task",
			"submissionId", notice.SubmissionID,
			"carrier", carrier,
			"taskId", notice.TaskID,
		)
	default:
		if merged.CompletedAt != nil {
			if d := merged.CompletedAt.Sub(merged.SubmittedAt).Seconds(); d >= 0 {
				metrics.TaskTurnaroundSeconds.WithLabelValues(string(carrier), string(merged.Status)).Observe(d)
			}
		}
		s.logger.Info("completion notice applied",
			"submissionId", notice.SubmissionID,
			"carrier", carrier,
			"taskId", notice.TaskID,
			"status", merged.Status,
		)
	}

	span.SetAttributes(attribute.String("rpatrack.merge_outcome", string(outcome)))
	return &merged, outcome, nil
}

// validate enforces the boundary order: presence, carrier, status. The
// submission existence check happens inside the merge.
func (s *ingestService) validate(notice domain.CompletionNotice, carrier domain.Carrier, status domain.TaskStatus) error {
	switch {
	case carrier == "":
		return missingField("carrier")
	case strings.TrimSpace(notice.TaskID) == "":
		return missingField("taskId")
	case strings.TrimSpace(notice.SubmissionID) == "":
		return missingField("submissionId")
	case strings.TrimSpace(notice.Status) == "":
		return missingField("status")
	case notice.CompletedAt == nil || notice.CompletedAt.IsZero():
		return missingField("completedAt")
	}

	if !s.carriers.Contains(carrier) {
		return invalidCarrier(notice.Carrier)
	}

	if !status.Terminal() {
		return invalidStatus(notice.Status)
	}
	return nil
}
