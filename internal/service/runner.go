package service

import (
	"context"
	"time"

	"github.com/example/gantry/internal/domain"
	"github.com/example/gantry/internal/storage"
	"github.com/example/gantry/pkg/id"
)

// RunnerService manages job runner registrations.
type RunnerService struct {
	storage storage.Storage
}

// NewRunnerService creates a new runner service.
func NewRunnerService(store storage.Storage) *RunnerService {
	return &RunnerService{storage: store}
}

// RegisterRunnerRequest is the request for RegisterRunner.
type RegisterRunnerRequest struct {
	RunnerID       string            `json:"runnerId"`
	Labels         []string          `json:"labels"`
	Address        string            `json:"address"`
	SupportedModes []string          `json:"supportedModes,omitempty"`
	MaxConcurrent  int               `json:"maxConcurrent,omitempty"`
	TTLSeconds     int64             `json:"ttlSeconds,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// RegisterRunnerResponse is the response from RegisterRunner.
type RegisterRunnerResponse struct {
	RegistrationID string    `json:"registrationId"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// RegisterRunner registers a job runner with the orchestrator. Each
// registration gets a fresh registration ID; a restarted runner simply
// registers again and its old registration ages out.
func (s *RunnerService) RegisterRunner(ctx context.Context, req *RegisterRunnerRequest) (*RegisterRunnerResponse, error) {
	if req.RunnerID == "" {
		return nil, domain.ErrInvalidArgument
	}
	if len(req.Labels) == 0 {
		return nil, domain.ErrInvalidArgument
	}
	if req.Address == "" {
		return nil, domain.ErrInvalidArgument
	}

	modes, err := parseModes(req.SupportedModes)
	if err != nil {
		return nil, err
	}
	if len(modes) == 0 {
		modes = []domain.ExecutionMode{domain.ExecutionModeSync}
	}
	if req.TTLSeconds <= 0 {
		req.TTLSeconds = 300 // Default 5 minutes
	}

	ttl := time.Duration(req.TTLSeconds) * time.Second
	now := time.Now().UTC()

	runner := &domain.Runner{
		ID:             req.RunnerID,
		RegistrationID: id.Generate(),
		Labels:         req.Labels,
		Address:        req.Address,
		SupportedModes: modes,
		MaxConcurrent:  req.MaxConcurrent,
		CurrentLoad:    0,
		Metadata:       req.Metadata,
		RegisteredAt:   now,
		LastHeartbeat:  now,
		ExpiresAt:      now.Add(ttl),
	}

	if runner.Metadata == nil {
		runner.Metadata = make(map[string]string)
	}

	uow, err := s.storage.BeginImmediate(ctx)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback()

	if err := uow.Runners().Register(ctx, runner); err != nil {
		return nil, err
	}

	if err := uow.Commit(); err != nil {
		return nil, err
	}

	return &RegisterRunnerResponse{
		RegistrationID: runner.RegistrationID,
		ExpiresAt:      runner.ExpiresAt,
	}, nil
}

// parseModes converts wire mode names to execution modes.
func parseModes(names []string) ([]domain.ExecutionMode, error) {
	modes := make([]domain.ExecutionMode, 0, len(names))
	for _, name := range names {
		switch name {
		case "sync":
			modes = append(modes, domain.ExecutionModeSync)
		case "async":
			modes = append(modes, domain.ExecutionModeAsync)
		default:
			return nil, domain.ErrInvalidArgument
		}
	}
	return modes, nil
}

// UnregisterRunner removes a runner registration.
func (s *RunnerService) UnregisterRunner(ctx context.Context, registrationID string) error {
	if registrationID == "" {
		return domain.ErrInvalidArgument
	}

	uow, err := s.storage.BeginImmediate(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	if err := uow.Runners().Unregister(ctx, registrationID); err != nil {
		return err
	}

	return uow.Commit()
}

// ListRunners returns all registered runners.
func (s *RunnerService) ListRunners(ctx context.Context) ([]*domain.Runner, error) {
	uow, err := s.storage.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer uow.Rollback()

	return uow.Runners().List(ctx)
}

// Heartbeat refreshes a runner's registration. A non-positive TTL falls
// back to the registration default.
func (s *RunnerService) Heartbeat(ctx context.Context, registrationID string, ttl time.Duration) error {
	if registrationID == "" {
		return domain.ErrInvalidArgument
	}
	if ttl <= 0 {
		ttl = 300 * time.Second
	}

	uow, err := s.storage.BeginImmediate(ctx)
	if err != nil {
		return err
	}
	defer uow.Rollback()

	newExpiry := time.Now().UTC().Add(ttl)
	if err := uow.Runners().UpdateHeartbeat(ctx, registrationID, newExpiry); err != nil {
		return err
	}

	return uow.Commit()
}

// SelectRunner selects an available runner for a given label and mode
// using the provided UnitOfWork. Returns the runner with the lowest
// current load.
func (s *RunnerService) SelectRunner(ctx context.Context, uow storage.UnitOfWork, label string, mode domain.ExecutionMode) (*domain.Runner, error) {
	runners, err := uow.Runners().GetAvailable(ctx, label, mode)
	if err != nil {
		return nil, err
	}

	if len(runners) == 0 {
		return nil, domain.ErrRunnerNotFound
	}

	// Runners are already sorted by load (lowest first)
	return runners[0], nil
}

// CleanupExpired removes expired runner registrations.
func (s *RunnerService) CleanupExpired(ctx context.Context) (int, error) {
	uow, err := s.storage.BeginImmediate(ctx)
	if err != nil {
		return 0, err
	}
	defer uow.Rollback()

	count, err := uow.Runners().CleanupExpired(ctx)
	if err != nil {
		return 0, err
	}

	if err := uow.Commit(); err != nil {
		return 0, err
	}

	return count, nil
}
