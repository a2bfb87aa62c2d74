package application

import (
	"context"

	"github.com/rcoup/kart/internal/ports/input"
)

// WorkingCopyOpener reports whether the working copy database is currently
// open, the one piece of state health checks care about.
type WorkingCopyOpener interface {
	IsOpen() bool
}

// HealthService provides health check functionality for the inspection
// server.
type HealthService struct {
	workingCopy WorkingCopyOpener
}

// NewHealthService creates a new health service.
func NewHealthService(workingCopy WorkingCopyOpener) *HealthService {
	return &HealthService{workingCopy: workingCopy}
}

// IsHealthy returns true if the process itself is healthy.
func (s *HealthService) IsHealthy(_ context.Context) bool {
	return true
}

// IsReady returns true if the working copy is open and can serve queries.
func (s *HealthService) IsReady(_ context.Context) bool {
	return s.workingCopy.IsOpen()
}

// GetHealthDetails returns detailed health information.
func (s *HealthService) GetHealthDetails(ctx context.Context) input.HealthDetails {
	components := map[string]string{
		"working_copy": "closed",
	}
	if s.workingCopy.IsOpen() {
		components["working_copy"] = "ok"
	}

	return input.HealthDetails{
		Healthy:         s.IsHealthy(ctx),
		Ready:           s.IsReady(ctx),
		WorkingCopyOpen: s.workingCopy.IsOpen(),
		Components:      components,
	}
}
