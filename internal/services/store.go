package services

import (
	"fmt"

	"medlabel/internal/database"
	"medlabel/internal/pipeline"
)

// ChannelRepository is the subset of the database used for channels
type ChannelRepository interface {
	SaveChannel(ch *database.ChannelRecord) error
	ListChannels() ([]*database.ChannelRecord, error)
	DeleteChannel(name string) error
	UpdateChannelStatus(name, status string) error
}

// ChannelStore persists channel definitions through the database. It
// implements pipeline.ChannelStore.
type ChannelStore struct {
	repo ChannelRepository
}

// NewChannelStore creates a store over repo
func NewChannelStore(repo ChannelRepository) *ChannelStore {
	return &ChannelStore{repo: repo}
}

// SaveChannel implements pipeline.ChannelStore
func (s *ChannelStore) SaveChannel(cfg pipeline.ChannelConfig, state pipeline.ChannelState) error {
	return s.repo.SaveChannel(ToRecord(cfg, state))
}

// UpdateChannelState implements pipeline.ChannelStore
func (s *ChannelStore) UpdateChannelState(name string, state pipeline.ChannelState) error {
	return s.repo.UpdateChannelStatus(name, string(state))
}

// DeleteChannel implements pipeline.ChannelStore
func (s *ChannelStore) DeleteChannel(name string) error {
	return s.repo.DeleteChannel(name)
}

// StoredChannel is a persisted channel with its last known state
type StoredChannel struct {
	Config pipeline.ChannelConfig
	State  pipeline.ChannelState
}

// Load returns all stored channels. Records that no longer parse are
// returned as errors alongside the valid ones.
func (s *ChannelStore) Load() ([]StoredChannel, []error) {
	records, err := s.repo.ListChannels()
	if err != nil {
		return nil, []error{err}
	}

	var out []StoredChannel
	var errs []error
	for _, rec := range records {
		cfg, err := FromRecord(rec)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		out = append(out, StoredChannel{Config: cfg, State: pipeline.ChannelState(rec.Status)})
	}
	return out, errs
}

// ToRecord converts a channel config to its database row
func ToRecord(cfg pipeline.ChannelConfig, state pipeline.ChannelState) *database.ChannelRecord {
	return &database.ChannelRecord{
		Name:        cfg.Name,
		Source:      cfg.Source,
		Endpoint:    cfg.Endpoint,
		Rotation:    cfg.Rotation.String(),
		Orientation: cfg.Orientation.String(),
		Processor:   cfg.Processor.String(),
		Model:       cfg.Model,
		Status:      string(state),
	}
}

// FromRecord converts a database row back to a channel config
func FromRecord(rec *database.ChannelRecord) (pipeline.ChannelConfig, error) {
	cfg := pipeline.ChannelConfig{
		Name:     rec.Name,
		Source:   rec.Source,
		Endpoint: rec.Endpoint,
		Model:    rec.Model,
	}
	var err error
	if cfg.Rotation, err = pipeline.ParseRotation(rec.Rotation); err != nil {
		return cfg, fmt.Errorf("channel %s: %w", rec.Name, err)
	}
	if cfg.Orientation, err = pipeline.ParseOrientation(rec.Orientation); err != nil {
		return cfg, fmt.Errorf("channel %s: %w", rec.Name, err)
	}
	if cfg.Processor, err = pipeline.ParseProcessor(rec.Processor); err != nil {
		return cfg, fmt.Errorf("channel %s: %w", rec.Name, err)
	}
	return cfg, nil
}

var _ pipeline.ChannelStore = (*ChannelStore)(nil)
