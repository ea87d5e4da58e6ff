package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/darshan-rambhia/petrowatch/internal/model"
)

// Webhook event names.
const (
	WebhookAlertRaised  = "alert.raised"
	WebhookAlertCleared = "alert.cleared"
)

// webhookBody is the JSON document posted for every alert notification.
type webhookBody struct {
	Event      string       `json:"event"`
	DeliveryID string       `json:"delivery_id"`
	SiteID     string       `json:"site_id"`
	Alert      webhookAlert `json:"alert"`
}

type webhookAlert struct {
	ID         string    `json:"id"`
	Code       string    `json:"code"`
	Component  string    `json:"component"`
	Severity   string    `json:"severity"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	SourceType string    `json:"source_type,omitempty"`
	TankID     string    `json:"tank_id,omitempty"`
	PumpID     string    `json:"pump_id,omitempty"`
	Side       string    `json:"side,omitempty"`
	At         time.Time `json:"at"`
}

func newWebhookBody(n model.Notification) webhookBody {
	event := WebhookAlertRaised
	if n.Resolved {
		event = WebhookAlertCleared
	}
	return webhookBody{
		Event:      event,
		DeliveryID: uuid.NewString(),
		SiteID:     n.SiteID,
		Alert: webhookAlert{
			ID:         n.AlertID,
			Code:       n.Code,
			Component:  n.Component,
			Severity:   n.Severity,
			Title:      n.Title,
			Message:    n.Message,
			SourceType: n.Metadata["source"],
			TankID:     n.Metadata["tank"],
			PumpID:     n.Metadata["pump"],
			Side:       n.Metadata["side"],
			At:         n.Timestamp.UTC(),
		},
	}
}

// WebhookProvider posts alert raised and cleared events as JSON to an HTTP
// endpoint. Each request carries the event, site and delivery id as headers.
type WebhookProvider struct {
	url     string
	method  string
	headers map[string]string
	client  *http.Client
}

// NewWebhook creates a webhook provider. An empty method means POST.
func NewWebhook(url, method string, headers map[string]string) *WebhookProvider {
	if method == "" {
		method = http.MethodPost
	}
	return &WebhookProvider{
		url:     url,
		method:  method,
		headers: headers,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (w *WebhookProvider) Name() string { return "webhook" }

func (w *WebhookProvider) Send(ctx context.Context, n model.Notification) error {
	body := newWebhookBody(n)
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("webhook: marshal alert %s: %w", n.AlertID, err)
	}

	req, err := http.NewRequestWithContext(ctx, w.method, w.url, bytes.NewReader(b))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PetroWatch-Event", body.Event)
	req.Header.Set("X-PetroWatch-Site", body.SiteID)
	req.Header.Set("X-PetroWatch-Delivery", body.DeliveryID)
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: send alert %s: %w", n.AlertID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook: alert %s: unexpected status %d", n.AlertID, resp.StatusCode)
	}
	return nil
}
