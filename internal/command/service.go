package command

import (
	"context"
	"encoding/json"
	"fmt"
)

// SubmitRequest is the command submission contract.
type SubmitRequest struct {
	FacilityID     string          `json:"facility_id"`
	GatewayID      string          `json:"gateway_id"`
	DeviceID       string          `json:"device_id"`
	Type           Type            `json:"command_type"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	Priority       int             `json:"priority"`
}

// Service exposes queue operations to the API layer.
type Service struct {
	repo Repository
}

// NewService creates a command service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Submit validates and enqueues a command. The returned bool is false
// when the idempotency key matched an existing command, which is
// returned unchanged.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Command, bool, error) {
	if req.IdempotencyKey == "" {
		return nil, false, fmt.Errorf("%w: idempotency_key is required", ErrInvalidCommand)
	}

	cmd := &Command{
		FacilityID:     req.FacilityID,
		GatewayID:      req.GatewayID,
		DeviceID:       req.DeviceID,
		Type:           req.Type,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		Priority:       req.Priority,
	}
	return s.repo.Enqueue(ctx, cmd)
}

// Get retrieves a command by ID.
func (s *Service) Get(ctx context.Context, id string) (*Command, error) {
	return s.repo.GetByID(ctx, id)
}

// Attempts returns a command's execution history.
func (s *Service) Attempts(ctx context.Context, id string) ([]Attempt, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.GetAttempts(ctx, id)
}

// Cancel marks a command cancelled, removing it from dispatch.
func (s *Service) Cancel(ctx context.Context, id string) error {
	return s.repo.Cancel(ctx, id)
}

// ListByFacility returns a facility's recent commands.
func (s *Service) ListByFacility(ctx context.Context, facilityID string, limit int) ([]Command, error) {
	const defaultLimit = 50
	if limit <= 0 {
		limit = defaultLimit
	}
	return s.repo.ListByFacility(ctx, facilityID, limit)
}
