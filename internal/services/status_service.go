package services

import (
	"context"
	"errors"

	"github.com/quotefleet/rpatrack/pkg/domain"
	"github.com/quotefleet/rpatrack/pkg/persistence"
)

// StatusService is the read path. "No automation in flight" is a valid
// state, so an unknown submission yields an empty map, never an error.
type StatusService interface {
	TaskStatuses(ctx context.Context, submissionID string) (domain.TaskMap, error)
}

type statusService struct {
	store persistence.SubmissionStore
}

func NewStatusService(store persistence.SubmissionStore) StatusService {
	return &statusService{store: store}
}

func (s *statusService) TaskStatuses(ctx context.Context, submissionID string) (domain.TaskMap, error) {
	m, err := s.store.Tasks(ctx, submissionID)
	if errors.Is(err, persistence.ErrNotFound) {
		return domain.TaskMap{}, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}
