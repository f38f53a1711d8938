package memory

import (
	"context"
	"sync"
	"time"

	"github.com/quotefleet/rpatrack/pkg/domain"
	"github.com/quotefleet/rpatrack/pkg/persistence"
)

// Plugin implements PluginPersistence with in-process maps. It backs tests
// and local development; the redis provider is the production path.
type Plugin struct {
	store *submissionStore
}

// NewPlugin creates a new in-memory persistence plugin
func NewPlugin(config persistence.PluginConfig) (persistence.PluginPersistence, error) {
	return &Plugin{
		store: &submissionStore{
			subs:  make(map[string]domain.TaskMap),
			locks: make(map[string]*sync.Mutex),
		},
	}, nil
}

func (p *Plugin) Submissions() persistence.SubmissionStore { return p.store }

// Health always returns nil for in-memory storage
func (p *Plugin) Health(ctx context.Context) error { return nil }

// Close is a no-op for in-memory storage
func (p *Plugin) Close() error { return nil }

func init() {
	persistence.RegisterProvider("memory", NewPlugin)
}

// submissionStore serializes writers per submission with a keyed mutex while
// leaving unrelated submissions fully concurrent. mu only guards the two
// maps, never a read-modify-write.
type submissionStore struct {
	mu    sync.RWMutex
	subs  map[string]domain.TaskMap
	locks map[string]*sync.Mutex
}

func (s *submissionStore) lockFor(submissionID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[submissionID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[submissionID] = l
	}
	return l
}

func (s *submissionStore) Create(ctx context.Context, submissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[submissionID]; ok {
		return persistence.ErrAlreadyExists
	}
	s.subs[submissionID] = domain.TaskMap{}
	return nil
}

func (s *submissionStore) Tasks(ctx context.Context, submissionID string) (domain.TaskMap, error) {
	s.mu.RLock()
	m, ok := s.subs[submissionID]
	s.mu.RUnlock()
	if !ok {
		return nil, persistence.ErrNotFound
	}
	// Writers replace the map wholesale, so a snapshot read is consistent.
	return m.Clone(), nil
}

func (s *submissionStore) Merge(ctx context.Context, submissionID string, carrier domain.Carrier, patch domain.TaskPatch) (domain.CarrierTask, domain.MergeOutcome, error) {
	l := s.lockFor(submissionID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	m, ok := s.subs[submissionID]
	s.mu.RUnlock()
	if !ok {
		return domain.CarrierTask{}, "", persistence.ErrNotFound
	}

	var existing *domain.CarrierTask
	if cur, ok := m[carrier]; ok {
		existing = &cur
	}
	merged, outcome := domain.ApplyPatch(existing, carrier, patch)
	if outcome != domain.MergeDuplicate {
		next := m.Clone()
		next[carrier] = merged
		s.mu.Lock()
		s.subs[submissionID] = next
		s.mu.Unlock()
	}
	return merged, outcome, nil
}

func (s *submissionStore) SetQueued(ctx context.Context, submissionID string, carrier domain.Carrier, taskID string, submittedAt time.Time) (domain.CarrierTask, error) {
	l := s.lockFor(submissionID)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	m, ok := s.subs[submissionID]
	s.mu.RUnlock()

	next := domain.TaskMap{}
	if ok {
		next = m.Clone()
	}
	queued := domain.CarrierTask{
		Carrier:     carrier,
		TaskID:      taskID,
		Status:      domain.StatusQueued,
		SubmittedAt: submittedAt,
	}
	next[carrier] = queued

	s.mu.Lock()
	s.subs[submissionID] = next
	s.mu.Unlock()
	return queued, nil
}
