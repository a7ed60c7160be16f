package services

import (
	"context"
	"fmt"

	"medlabel/internal/pipeline/detectors"
)

// Pinger checks a dependency
type Pinger interface {
	Ping(ctx context.Context) error
}

// DetectorStatuser reports loaded detectors
type DetectorStatuser interface {
	Status() []detectors.DetectorStatus
}

// HealthService implements the liveness and readiness probes
type HealthService struct {
	db        Pinger
	detectors DetectorStatuser
}

// NewHealthService creates a health service. Either dependency may be nil.
func NewHealthService(db Pinger, det DetectorStatuser) *HealthService {
	return &HealthService{db: db, detectors: det}
}

// Healthz implements the liveness probe
func (h *HealthService) Healthz(ctx context.Context) error {
	return nil
}

// Readiness is the readyz body
type Readiness struct {
	Ready     bool                       `json:"ready"`
	Database  string                     `json:"database"`
	Detectors []detectors.DetectorStatus `json:"detectors"`
}

// Readyz reports ready when the database answers. Unhealthy detectors are
// reported but do not fail readiness since workers survive model errors.
func (h *HealthService) Readyz(ctx context.Context) (*Readiness, error) {
	r := &Readiness{Ready: true, Database: "ok", Detectors: []detectors.DetectorStatus{}}
	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			r.Ready = false
			r.Database = err.Error()
		}
	}
	if h.detectors != nil {
		r.Detectors = h.detectors.Status()
	}
	if !r.Ready {
		return r, fmt.Errorf("database unavailable: %s", r.Database)
	}
	return r, nil
}
