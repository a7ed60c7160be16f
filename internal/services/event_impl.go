package services

import (
	"context"
	"fmt"
	"time"

	"medlabel/internal/database"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

// EventRepository is the database subset used for events and logs
type EventRepository interface {
	ListWebhookEvents(channel string, limit int) ([]*database.WebhookEventRecord, error)
	DeleteOldWebhookEvents(before time.Time) (int64, error)
	ListAppLogs(limit int) ([]*database.AppLogRecord, error)
}

// EventView is a recorded delivery attempt
type EventView struct {
	ID        string `json:"id"`
	Channel   string `json:"channel"`
	Lot       string `json:"lot,omitempty"`
	Expiry    string `json:"expiry,omitempty"`
	AllText   string `json:"all_text"`
	Mime      string `json:"mime"`
	ImagePath string `json:"image_path,omitempty"`
	Delivered bool   `json:"delivered"`
	CreatedAt string `json:"created_at"`
}

// LogView is a coded application log line
type LogView struct {
	ID        int64  `json:"id"`
	Code      int    `json:"code"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	CreatedAt string `json:"created_at"`
}

// EventService reads the delivery history
type EventService struct {
	repo EventRepository
}

// NewEventService creates an event service
func NewEventService(repo EventRepository) *EventService {
	return &EventService{repo: repo}
}

// List returns the newest events first, optionally for one channel. limit
// defaults to 50 and is capped at 1000.
func (s *EventService) List(ctx context.Context, channel string, limit int) ([]*EventView, error) {
	records, err := s.repo.ListWebhookEvents(channel, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}

	out := make([]*EventView, 0, len(records))
	for _, r := range records {
		out = append(out, &EventView{
			ID:        r.ID,
			Channel:   r.Channel,
			Lot:       r.Lot,
			Expiry:    r.Expiry,
			AllText:   r.AllText,
			Mime:      r.Mime,
			ImagePath: r.ImagePath,
			Delivered: r.Delivered,
			CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out, nil
}

// Logs returns the newest coded log lines first
func (s *EventService) Logs(ctx context.Context, limit int) ([]*LogView, error) {
	records, err := s.repo.ListAppLogs(clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}

	out := make([]*LogView, 0, len(records))
	for _, r := range records {
		out = append(out, &LogView{
			ID:        r.ID,
			Code:      r.Code,
			Level:     r.Level,
			Message:   r.Message,
			CreatedAt: r.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out, nil
}

// Prune deletes events older than retention
func (s *EventService) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	return s.repo.DeleteOldWebhookEvents(time.Now().UTC().Add(-retention))
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultEventLimit
	}
	if limit > maxEventLimit {
		return maxEventLimit
	}
	return limit
}
