package pipeline

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"medlabel/internal/logger"
)

// Lifecycle errors returned by ChannelManager
var (
	ErrChannelExists     = errors.New("channel already exists")
	ErrChannelNotFound   = errors.New("channel not found")
	ErrChannelRunning    = errors.New("channel is running")
	ErrChannelNotRunning = errors.New("channel is not running")
	ErrManagerClosed     = errors.New("channel manager is closed")
)

// ChannelState is the lifecycle state of a registered channel
type ChannelState string

const (
	StateRegistered ChannelState = "registered"
	StateRunning    ChannelState = "running"
	StateStopping   ChannelState = "stopping"
	StateFailed     ChannelState = "failed" // the worker ended on its own
)

// ChannelStatus is a snapshot of one channel
type ChannelStatus struct {
	Config         ChannelConfig `json:"config"`
	State          ChannelState  `json:"state"`
	StartedAt      time.Time     `json:"started_at,omitempty"`
	Error          string        `json:"error,omitempty"`
	FrameAvailable bool          `json:"frame_available"`
	Worker         WorkerStats   `json:"worker"`
	Source         SourceStats   `json:"source"`
}

// WorkerBuilder constructs the worker for a channel
type WorkerBuilder interface {
	NewWorker(cfg ChannelConfig) (*ChannelWorker, error)
}

// WorkerFactory builds workers from collaborators shared by all channels
type WorkerFactory struct {
	Backends      Backends
	Dispatcher    Dispatcher
	Bus           *EventBus
	Preview       FramePublisher
	Log           *logger.Logger
	Open          SourceOpener
	FallbackAsset string
	Options       WorkerOptions
}

// NewWorker resolves the channel's models and creates its frame source
func (f *WorkerFactory) NewWorker(cfg ChannelConfig) (*ChannelWorker, error) {
	det, err := f.Backends.Detector(cfg.Model, cfg.Processor)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve detector: %w", err)
	}
	rec, err := f.Backends.Recognizer(cfg.Model, cfg.Processor)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve recognizer: %w", err)
	}

	return NewChannelWorker(cfg, WorkerDeps{
		Source:     f.Open(cfg.Name, cfg.Source, false),
		Fallback:   FallbackOpener(cfg.Name, f.FallbackAsset, f.Open),
		Detector:   det,
		Recognizer: rec,
		Dispatcher: f.Dispatcher,
		Bus:        f.Bus,
		Preview:    f.Preview,
		Log:        f.Log,
	}, f.Options), nil
}

type channelEntry struct {
	cfg       ChannelConfig
	worker    *ChannelWorker
	state     ChannelState
	startedAt time.Time
	lastErr   string
	lastStats WorkerStats
}

// ChannelManager is the registry of named channels and their workers. All
// bookkeeping happens under one lock that is never held while a worker is
// being joined or while the store is written.
type ChannelManager struct {
	channels   map[string]*channelEntry
	build      WorkerBuilder
	store      ChannelStore
	staleAfter time.Duration
	closed     bool
	log        *logger.Logger
	mu         sync.Mutex

	storeMu sync.Mutex // serializes store writes
}

// NewChannelManager creates a manager. store may be nil.
func NewChannelManager(build WorkerBuilder, store ChannelStore, lg *logger.Logger) *ChannelManager {
	return &ChannelManager{
		channels:   make(map[string]*channelEntry),
		build:      build,
		store:      store,
		staleAfter: 1500 * time.Millisecond,
		log:        lg,
	}
}

// SetStaleAfter sets the age after which a channel's latest frame no
// longer counts as available
func (m *ChannelManager) SetStaleAfter(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.staleAfter = d
}

// Add registers a channel and constructs its worker without starting it
func (m *ChannelManager) Add(cfg ChannelConfig) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if _, exists := m.channels[cfg.Name]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChannelExists, cfg.Name)
	}

	worker, err := m.build.NewWorker(cfg)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("failed to create worker for channel %s: %w", cfg.Name, err)
	}

	m.channels[cfg.Name] = &channelEntry{
		cfg:    cfg,
		worker: worker,
		state:  StateRegistered,
	}
	m.mu.Unlock()

	m.persist(cfg.Name, true)
	log.Printf("[Manager] Added channel %s", cfg.Name)
	return nil
}

// Start launches the channel's worker
func (m *ChannelManager) Start(name string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}

	entry, exists := m.channels[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChannelNotFound, name)
	}
	if entry.state == StateRunning || entry.state == StateStopping {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChannelRunning, name)
	}

	// A worker runs once; a stopped or failed channel gets a fresh one.
	if entry.worker == nil {
		worker, err := m.build.NewWorker(entry.cfg)
		if err != nil {
			m.mu.Unlock()
			return fmt.Errorf("failed to create worker for channel %s: %w", name, err)
		}
		entry.worker = worker
	}

	worker := entry.worker
	entry.state = StateRunning
	entry.startedAt = time.Now()
	entry.lastErr = ""

	go func() {
		err := worker.Run()
		m.workerExited(name, worker, err)
	}()
	m.mu.Unlock()

	m.persist(name, false)
	m.log.Info(logger.ChannelStarted, "channel %s started", name)
	return nil
}

// workerExited records a worker that ended without being asked to stop
func (m *ChannelManager) workerExited(name string, worker *ChannelWorker, err error) {
	m.mu.Lock()
	entry, exists := m.channels[name]
	if !exists || entry.worker != worker || entry.state != StateRunning {
		m.mu.Unlock()
		return
	}

	entry.state = StateFailed
	entry.lastStats = worker.Stats()
	entry.worker = nil
	if err != nil {
		entry.lastErr = err.Error()
	}
	m.mu.Unlock()

	m.persist(name, false)
	log.Printf("[Manager] Channel %s ended: %v", name, err)
}

// Stop signals the channel's worker and returns once it has exited
func (m *ChannelManager) Stop(name string) error {
	m.mu.Lock()
	entry, exists := m.channels[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChannelNotFound, name)
	}
	if entry.state == StateFailed {
		entry.state = StateRegistered
		m.mu.Unlock()
		m.persist(name, false)
		return nil
	}
	if entry.state != StateRunning {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChannelNotRunning, name)
	}
	worker := entry.worker
	entry.state = StateStopping
	m.mu.Unlock()

	worker.Stop()
	worker.Wait()

	m.mu.Lock()
	if entry.worker == worker {
		entry.state = StateRegistered
		entry.lastStats = worker.Stats()
		entry.worker = nil
	}
	m.mu.Unlock()

	m.persist(name, false)

	m.log.Info(logger.ChannelStopped, "channel %s stopped", name)
	return nil
}

// Remove discards a channel that is not running
func (m *ChannelManager) Remove(name string) error {
	m.mu.Lock()
	entry, exists := m.channels[name]
	if !exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChannelNotFound, name)
	}
	if entry.state == StateRunning || entry.state == StateStopping {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrChannelRunning, name)
	}

	delete(m.channels, name)
	m.mu.Unlock()

	m.persist(name, false)

	log.Printf("[Manager] Removed channel %s", name)
	return nil
}

// Status returns a snapshot of one channel
func (m *ChannelManager) Status(name string) (*ChannelStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, exists := m.channels[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrChannelNotFound, name)
	}
	st := m.snapshot(entry)
	return &st, nil
}

// List returns a snapshot of all channels ordered by name
func (m *ChannelManager) List() []ChannelStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ChannelStatus, 0, len(m.channels))
	for _, entry := range m.channels {
		out = append(out, m.snapshot(entry))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Config.Name < out[j].Config.Name })
	return out
}

// Running reports how many channels have a live worker
func (m *ChannelManager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, entry := range m.channels {
		if entry.state == StateRunning {
			n++
		}
	}
	return n
}

func (m *ChannelManager) snapshot(entry *channelEntry) ChannelStatus {
	st := ChannelStatus{
		Config:    entry.cfg,
		State:     entry.state,
		StartedAt: entry.startedAt,
		Error:     entry.lastErr,
		Worker:    entry.lastStats,
	}
	if entry.worker != nil {
		st.Worker = entry.worker.Stats()
		if entry.state == StateRunning {
			st.Source = entry.worker.SourceStats()
			st.FrameAvailable = !st.Source.LastFrameTime.IsZero() &&
				time.Since(st.Source.LastFrameTime) < m.staleAfter && st.Source.Connected
		}
	}
	return st
}

// Close stops every running channel and waits for all of them. Later Add
// and Start calls fail with ErrManagerClosed. Stored states are left as they
// were so running channels can be restored.
func (m *ChannelManager) Close() {
	type stopping struct {
		entry  *channelEntry
		worker *ChannelWorker
	}

	m.mu.Lock()
	m.closed = true
	var pending []stopping
	for _, entry := range m.channels {
		if entry.state == StateRunning && entry.worker != nil {
			entry.state = StateStopping
			pending = append(pending, stopping{entry, entry.worker})
		}
	}
	m.mu.Unlock()

	for _, p := range pending {
		p.worker.Stop()
	}
	for _, p := range pending {
		p.worker.Wait()
	}

	// Entries stopped by a concurrent Stop are finished by that call.
	m.mu.Lock()
	for _, p := range pending {
		if p.entry.worker == p.worker {
			p.entry.state = StateRegistered
			p.entry.lastStats = p.worker.Stats()
			p.entry.worker = nil
		}
	}
	m.mu.Unlock()

	log.Printf("[Manager] Closed all channels")
}

// persist writes the channel's current record, or its removal, to the
// store. The state is read at write time under storeMu, so racing lifecycle
// calls leave the newest state behind. A stopping channel is stored as
// running: it is either about to be stored as registered by Stop or it is
// being shut down by Close and should be restored.
func (m *ChannelManager) persist(name string, withConfig bool) {
	if m.store == nil {
		return
	}
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.mu.Lock()
	entry, exists := m.channels[name]
	var cfg ChannelConfig
	var state ChannelState
	if exists {
		cfg, state = entry.cfg, entry.state
	}
	m.mu.Unlock()

	if state == StateStopping {
		state = StateRunning
	}

	var err error
	switch {
	case !exists:
		err = m.store.DeleteChannel(name)
	case withConfig:
		err = m.store.SaveChannel(cfg, state)
	default:
		err = m.store.UpdateChannelState(name, state)
	}
	if err != nil {
		log.Printf("[Manager] Warning: failed to persist channel %s: %v", name, err)
	}
}
