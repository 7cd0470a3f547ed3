// Package notifierwebhook forwards host events to an HTTP endpoint as JSON.
package notifierwebhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/mywio/secret-service/pkg/core"
)

const name = "webhook"

// defaultPatterns is used when the section has no subscribe key.
var defaultPatterns = []string{"secret_*"}

type WebhookPlugin struct {
	logger   *slog.Logger
	url      string
	token    core.Secret
	client   *http.Client
	enabled  bool
	patterns []string
}

type webhookConfig struct {
	URL   string      `yaml:"url"`
	Token core.Secret `yaml:"token"`
}

// New returns an uninitialized webhook notifier.
func New() *WebhookPlugin {
	return &WebhookPlugin{logger: slog.Default()}
}

func (p *WebhookPlugin) Name() string {
	return name
}

func (p *WebhookPlugin) Init(ctx context.Context, logger *slog.Logger, registry core.PluginRegistry) error {
	p.logger = logger
	subscribeProvided := false
	if registry != nil {
		if section, ok := registry.GetConfig()[name]; ok {
			_, subscribeProvided = section["subscribe"]
			var wcfg webhookConfig
			if err := core.DecodeConfigSection(section, &wcfg); err != nil {
				return fmt.Errorf("invalid webhook config: %w", err)
			}
			p.url = strings.TrimSpace(wcfg.URL)
			p.token = wcfg.Token
			p.patterns = parseSubscribePatterns(section)
		}
		p.client = registry.GetHTTPClient()
	}
	if p.client == nil {
		p.client = http.DefaultClient
	}
	if p.url == "" {
		p.logger.InfoContext(ctx, "Webhook URL not set, webhook notifications disabled")
		p.enabled = false
		return nil
	}

	p.enabled = true
	if !subscribeProvided {
		p.patterns = defaultPatterns
	}
	p.logger.InfoContext(ctx, "Webhook notifier initialized", "url", p.url, "subscribe", p.patterns, "token", p.token)
	if registry != nil {
		for _, pattern := range p.patterns {
			registry.Subscribe(pattern, p.process)
		}
		if len(p.patterns) == 0 {
			p.logger.InfoContext(ctx, "Webhook notifier has no subscriptions configured")
		}
	}
	return nil
}

func (p *WebhookPlugin) Start(ctx context.Context) error {
	return nil
}

func (p *WebhookPlugin) Stop(ctx context.Context) error {
	return nil
}

func (p *WebhookPlugin) Description() string { return "Generic webhook notifier" }

func (p *WebhookPlugin) Capabilities() []core.Capability {
	return []core.Capability{core.CapabilityNotifier}
}

func (p *WebhookPlugin) Status() core.ServiceStatus {
	if p.enabled {
		return core.StatusHealthy
	}
	return core.StatusUnknown
}

// Config reports the effective settings; the token is redacted.
func (p *WebhookPlugin) Config() any {
	return map[string]any{
		"url":       p.url,
		"token":     p.token,
		"subscribe": p.patterns,
		"enabled":   p.enabled,
	}
}

// Execute supports a single "notify" action that sends a test event.
func (p *WebhookPlugin) Execute(ctx context.Context, action string, params map[string]any) (any, error) {
	if action != "notify" {
		return nil, fmt.Errorf("unsupported action: %s", action)
	}
	if !p.enabled {
		return map[string]string{"status": "disabled"}, nil
	}
	message, _ := params["message"].(string)
	if message == "" {
		message = "webhook test"
	}
	event := core.InternalEvent{
		Type:   "notify_test",
		Source: name,
		String: message,
	}
	if err := p.send(ctx, event); err != nil {
		return nil, err
	}
	return map[string]string{"status": "delivered"}, nil
}

func (p *WebhookPlugin) process(ctx context.Context, event core.InternalEvent) {
	if !p.enabled {
		return
	}
	if err := p.send(ctx, event); err != nil {
		p.logger.ErrorContext(ctx, "Webhook notification failed", "type", event.Type, "error", err)
	}
}

func (p *WebhookPlugin) send(ctx context.Context, event core.InternalEvent) error {
	payload := map[string]any{
		"event_type": event.Type,
		"timestamp":  event.Timestamp,
		"source":     event.Source,
		"message":    event.String,
		"details":    event.Details,
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.token.Value != "" {
		req.Header.Set("Authorization", "Bearer "+p.token.Value)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook status %d", resp.StatusCode)
	}

	p.logger.DebugContext(ctx, "Webhook delivered", "type", event.Type)
	return nil
}

func normalizePatterns(values []string) []string {
	out := make([]string, 0, len(values))
	seen := map[string]struct{}{}
	for _, value := range values {
		value = strings.TrimSpace(value)
		if value == "" {
			continue
		}
		if _, exists := seen[value]; exists {
			continue
		}
		seen[value] = struct{}{}
		out = append(out, value)
	}
	return out
}

func parseSubscribePatterns(section map[string]any) []string {
	raw, ok := section["subscribe"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return normalizePatterns(v)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return normalizePatterns(out)
	case string:
		return normalizePatterns(strings.Split(v, ","))
	default:
		return normalizePatterns([]string{fmt.Sprint(v)})
	}
}
