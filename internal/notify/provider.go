// Package notify delivers alert notifications to external channels.
package notify

import (
	"context"
	"fmt"
	"net/http"

	"github.com/darshan-rambhia/petrowatch/internal/config"
	"github.com/darshan-rambhia/petrowatch/internal/model"
)

// Provider sends notifications through a specific channel.
type Provider interface {
	Name() string
	Send(ctx context.Context, n model.Notification) error
}

// Target pairs a provider with the lowest severity it should receive.
type Target struct {
	Provider
	MinSeverity model.Severity
}

// Accepts reports whether n meets the target's severity threshold.
// Resolution notices always pass.
func (t Target) Accepts(n model.Notification) bool {
	if n.Resolved || t.MinSeverity == "" {
		return true
	}
	return model.Severity(n.Severity).Rank() >= t.MinSeverity.Rank()
}

// FromConfig builds the configured notification targets.
func FromConfig(cfgs []config.NotificationConfig) ([]Target, error) {
	var targets []Target
	for _, c := range cfgs {
		var p Provider
		switch c.Type {
		case "ntfy":
			p = NewNtfy(c.URL, c.Topic)
		case "webhook":
			method := c.Method
			if method == "" {
				method = http.MethodPost
			}
			p = NewWebhook(c.URL, method, c.Headers)
		default:
			return nil, fmt.Errorf("notify: unknown provider type %q", c.Type)
		}
		targets = append(targets, Target{Provider: p, MinSeverity: model.Severity(c.MinSeverity)})
	}
	return targets, nil
}
