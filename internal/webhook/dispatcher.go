// Package webhook delivers recognition results to each channel's endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"medlabel/internal/database"
	"medlabel/internal/labels"
	"medlabel/internal/logger"
	"medlabel/internal/pipeline"
)

const (
	defaultTimeout = 10 * time.Second
	mimeJPEG       = "image/jpeg"
	dataURLPrefix  = "data:image/jpeg;base64,"
)

// EventRecorder stores delivery attempts
type EventRecorder interface {
	SaveWebhookEvent(event *database.WebhookEventRecord) error
}

// Payload is the JSON body posted to the endpoint
type Payload struct {
	CameraID    string `json:"cameraId"`
	Lot         string `json:"lot"`
	Expiry      string `json:"expiry"`
	Mime        string `json:"mime"`
	AllText     string `json:"all_text"`
	ImageBase64 string `json:"imageBase64"`
}

// Config holds dispatcher configuration
type Config struct {
	Timeout  time.Duration
	Recorder EventRecorder
	Log      *logger.Logger
}

// Dispatcher posts results as JSON. A delivery succeeds only on HTTP 200
// and is never retried.
type Dispatcher struct {
	httpClient *http.Client
	recorder   EventRecorder
	log        *logger.Logger
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(config Config) *Dispatcher {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Dispatcher{
		httpClient: &http.Client{Timeout: timeout},
		recorder:   config.Recorder,
		log:        config.Log,
	}
}

// BuildPayload converts a delivery into the webhook body
func BuildPayload(d *pipeline.Delivery) Payload {
	p := Payload{
		CameraID: d.Channel,
		Lot:      d.Fields[labels.FieldLot],
		Expiry:   d.Fields[labels.FieldExpiry],
		Mime:     mimeJPEG,
		AllText:  d.Text,
	}
	if len(d.Image) > 0 {
		p.ImageBase64 = dataURLPrefix + base64.StdEncoding.EncodeToString(d.Image)
	}
	return p
}

// Deliver implements pipeline.Dispatcher
func (wd *Dispatcher) Deliver(ctx context.Context, d *pipeline.Delivery) bool {
	payload := BuildPayload(d)
	err := wd.post(ctx, d.Endpoint, payload)
	delivered := err == nil

	if delivered {
		wd.log.Info(logger.WebhookDelivered, "channel %s: delivered to %s (lot=%q expiry=%q)",
			d.Channel, d.Endpoint, payload.Lot, payload.Expiry)
	} else {
		wd.log.Error(logger.WebhookSendFailed, "channel %s: webhook %s failed: %v", d.Channel, d.Endpoint, err)
	}

	wd.record(d, payload, delivered)
	return delivered
}

func (wd *Dispatcher) post(ctx context.Context, endpoint string, payload Payload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := wd.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

// record stores the attempt. Failures are logged and never change the
// delivery outcome.
func (wd *Dispatcher) record(d *pipeline.Delivery, p Payload, delivered bool) {
	if wd.recorder == nil {
		return
	}
	ts := d.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	event := &database.WebhookEventRecord{
		ID:        uuid.New().String(),
		Channel:   d.Channel,
		Lot:       p.Lot,
		Expiry:    p.Expiry,
		AllText:   p.AllText,
		Mime:      p.Mime,
		ImagePath: d.Artifact,
		Delivered: delivered,
		CreatedAt: ts.UTC(),
	}
	if err := wd.recorder.SaveWebhookEvent(event); err != nil {
		log.Printf("[Webhook] Failed to record event for %s: %v", d.Channel, err)
	}
}

var _ pipeline.Dispatcher = (*Dispatcher)(nil)
