package services

import (
	"context"
	"errors"
	"log"

	"medlabel/internal/pipeline"
)

// ErrNotFound is returned for unknown channels
var ErrNotFound = errors.New("not found")

// ChannelLister is the read side of the channel manager
type ChannelLister interface {
	List() []pipeline.ChannelStatus
	Status(name string) (*pipeline.ChannelStatus, error)
}

// ChannelService exposes channel status
type ChannelService struct {
	channels ChannelLister
}

// NewChannelService creates a channel service
func NewChannelService(channels ChannelLister) *ChannelService {
	return &ChannelService{channels: channels}
}

// List returns every channel ordered by name
func (s *ChannelService) List(ctx context.Context) ([]pipeline.ChannelStatus, error) {
	return s.channels.List(), nil
}

// Get returns one channel
func (s *ChannelService) Get(ctx context.Context, name string) (*pipeline.ChannelStatus, error) {
	st, err := s.channels.Status(name)
	if errors.Is(err, pipeline.ErrChannelNotFound) {
		return nil, ErrNotFound
	}
	return st, err
}

// ChannelLoader returns the persisted channels
type ChannelLoader interface {
	Load() ([]StoredChannel, []error)
}

// Restore re-adds every stored channel and starts those that were running
// when the process last stopped. It returns how many were started.
func Restore(loader ChannelLoader, channels ChannelController) int {
	stored, errs := loader.Load()
	for _, err := range errs {
		log.Printf("[Restore] Skipping stored channel: %v", err)
	}

	started := 0
	for _, ch := range stored {
		if err := channels.Add(ch.Config); err != nil {
			log.Printf("[Restore] Failed to add channel %s: %v", ch.Config.Name, err)
			continue
		}
		if ch.State != pipeline.StateRunning {
			continue
		}
		if err := channels.Start(ch.Config.Name); err != nil {
			log.Printf("[Restore] Failed to start channel %s: %v", ch.Config.Name, err)
			continue
		}
		started++
	}
	log.Printf("[Restore] Restored %d channels, %d running", len(stored), started)
	return started
}
