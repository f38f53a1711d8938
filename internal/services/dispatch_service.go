package services

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/quotefleet/rpatrack/internal/metrics"
	"github.com/quotefleet/rpatrack/pkg/domain"
	"github.com/quotefleet/rpatrack/pkg/persistence"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DispatchService records hand-offs to external workers. A dispatch always
// starts a fresh task: prior result/error state for the carrier is cleared.
type DispatchService interface {
	RecordDispatch(ctx context.Context, submissionID string, req domain.DispatchRequest) (*domain.CarrierTask, error)
	Register(ctx context.Context, submissionID string) error
}

type dispatchService struct {
	store    persistence.SubmissionStore
	carriers domain.CarrierSet
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatchService(store persistence.SubmissionStore, carriers domain.CarrierSet, logger *slog.Logger, now func() time.Time) DispatchService {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	return &dispatchService{store: store, carriers: carriers, logger: logger, now: now}
}

func (s *dispatchService) RecordDispatch(ctx context.Context, submissionID string, req domain.DispatchRequest) (*domain.CarrierTask, error) {
	if strings.TrimSpace(submissionID) == "" {
		return nil, missingField("submissionId")
	}
	if strings.TrimSpace(req.Carrier) == "" {
		return nil, missingField("carrier")
	}
	if strings.TrimSpace(req.TaskID) == "" {
		return nil, missingField("taskId")
	}
	carrier := domain.Carrier(strings.ToLower(strings.TrimSpace(req.Carrier)))
	if !s.carriers.Contains(carrier) {
		return nil, invalidCarrier(req.Carrier)
	}

	submittedAt := s.now().UTC()
	if req.SubmittedAt != nil && !req.SubmittedAt.IsZero() {
		submittedAt = *req.SubmittedAt
	}

	ctx, span := otel.Tracer("rpatrack/dispatch").Start(ctx, "rpatrack.dispatch.record")
	defer span.End()
	span.SetAttributes(
		attribute.String("rpatrack.submission_id", submissionID),
		attribute.String("rpatrack.carrier", string(carrier)),
		attribute.String("rpatrack.task_id", req.TaskID),
	)

	queued, err := s.store.SetQueued(ctx, submissionID, carrier, req.TaskID, submittedAt)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	metrics.DispatchTotal.WithLabelValues(string(carrier)).Inc()
	s.logger.Info("dispatch recorded",
		"submissionId", submissionID,
		"carrier", carrier,
		"taskId", req.TaskID,
	)
	return &queued, nil
}

func (s *dispatchService) Register(ctx context.Context, submissionID string) error {
	if strings.TrimSpace(submissionID) == "" {
		return missingField("submissionId")
	}
	err := s.store.Create(ctx, submissionID)
	if err == nil {
		s.logger.Info("submission registered", "submissionId", submissionID)
	}
	return err
}
