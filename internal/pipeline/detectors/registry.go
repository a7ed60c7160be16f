// Package detectors resolves a channel's model identifier and processor
// preference to shared Detector and Recognizer instances.
package detectors

import (
	"fmt"
	"sort"
	"sync"

	"medlabel/internal/pipeline"
)

// DetectorFactory creates a detector for a model on a processor
type DetectorFactory func(model string, processor pipeline.Processor) (pipeline.Detector, error)

// RecognizerFactory creates a recognizer for a model on a processor
type RecognizerFactory func(model string, processor pipeline.Processor) (pipeline.Recognizer, error)

type key struct {
	model     string
	processor pipeline.Processor
}

// Registry caches one detector and one recognizer per (model, processor)
// pair so channels using the same model share a connection.
type Registry struct {
	newDetector   DetectorFactory
	newRecognizer RecognizerFactory
	allowed       map[string]bool // empty accepts any model id

	detectors   map[key]pipeline.Detector
	recognizers map[key]pipeline.Recognizer
	mu          sync.Mutex
}

// NewRegistry creates a registry over the given factories
func NewRegistry(newDetector DetectorFactory, newRecognizer RecognizerFactory) *Registry {
	return &Registry{
		newDetector:   newDetector,
		newRecognizer: newRecognizer,
		allowed:       make(map[string]bool),
		detectors:     make(map[key]pipeline.Detector),
		recognizers:   make(map[key]pipeline.Recognizer),
	}
}

// Allow restricts the registry to the given model ids
func (r *Registry) Allow(models ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range models {
		if m != "" {
			r.allowed[m] = true
		}
	}
}

// Known reports whether model may be resolved
func (r *Registry) Known(model string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.known(model)
}

func (r *Registry) known(model string) bool {
	return len(r.allowed) == 0 || r.allowed[model]
}

// Detector implements pipeline.Backends
func (r *Registry) Detector(model string, processor pipeline.Processor) (pipeline.Detector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.known(model) {
		return nil, fmt.Errorf("unknown model %q", model)
	}
	k := key{model, processor}
	if d, ok := r.detectors[k]; ok {
		return d, nil
	}

	d, err := r.newDetector(model, processor)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector for model %q: %w", model, err)
	}
	if d == nil {
		return nil, fmt.Errorf("detector for model %q cannot be nil", model)
	}
	r.detectors[k] = d
	return d, nil
}

// Recognizer implements pipeline.Backends
func (r *Registry) Recognizer(model string, processor pipeline.Processor) (pipeline.Recognizer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.known(model) {
		return nil, fmt.Errorf("unknown model %q", model)
	}
	k := key{model, processor}
	if rec, ok := r.recognizers[k]; ok {
		return rec, nil
	}

	rec, err := r.newRecognizer(model, processor)
	if err != nil {
		return nil, fmt.Errorf("failed to create recognizer for model %q: %w", model, err)
	}
	if rec == nil {
		return nil, fmt.Errorf("recognizer for model %q cannot be nil", model)
	}
	r.recognizers[k] = rec
	return rec, nil
}

// DetectorStatus describes one loaded detector
type DetectorStatus struct {
	Name      string `json:"name"`
	Model     string `json:"model"`
	Processor string `json:"processor"`
	Healthy   bool   `json:"healthy"`
}

// Status returns the loaded detectors ordered by model
func (r *Registry) Status() []DetectorStatus {
	r.mu.Lock()
	loaded := make(map[key]pipeline.Detector, len(r.detectors))
	for k, d := range r.detectors {
		loaded[k] = d
	}
	r.mu.Unlock()

	// Health checks may block, so they run outside the lock.
	out := make([]DetectorStatus, 0, len(loaded))
	for k, d := range loaded {
		out = append(out, DetectorStatus{
			Name:      d.Name(),
			Model:     k.model,
			Processor: k.processor.String(),
			Healthy:   d.IsHealthy(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Model != out[j].Model {
			return out[i].Model < out[j].Model
		}
		return out[i].Processor < out[j].Processor
	})
	return out
}

// Close releases all detector resources
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var firstErr error
	for k, d := range r.detectors {
		if err := d.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("error closing detector for model %q: %w", k.model, err)
		}
		delete(r.detectors, k)
	}
	r.recognizers = make(map[key]pipeline.Recognizer)
	return firstErr
}

// Ensure Registry implements Backends
var _ pipeline.Backends = (*Registry)(nil)
