package reply

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/chatforge/wa-gateway/internal/adapter"
	"github.com/chatforge/wa-gateway/internal/domain"
)

// Generator produces the outbound reply text for an inbound message.
// The gateway treats reply generation as an opaque upstream concern; an
// error here fails the triggering webhook unit, not the whole delivery.
type Generator interface {
	Generate(ctx context.Context, tenantID domain.TenantID, sender, text, historyRef string) (string, error)
}

// Config holds the external generator endpoint
type Config struct {
	URL     string
	Timeout time.Duration
}

type httpGenerator struct {
	config Config
	http   adapter.HTTPClient
}

// NewHTTPGenerator creates a generator backed by an external HTTP service
func NewHTTPGenerator(cfg Config, httpClient adapter.HTTPClient) Generator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	return &httpGenerator{config: cfg, http: httpClient}
}

type generateRequest struct {
	TenantID   string `json:"tenant_id"`
	Sender     string `json:"sender"`
	Text       string `json:"text"`
	HistoryRef string `json:"history_ref,omitempty"`
}

type generateResponse struct {
	Reply string `json:"reply"`
}

func (g *httpGenerator) Generate(ctx context.Context, tenantID domain.TenantID, sender, text, historyRef string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.config.Timeout)
	defer cancel()

	req := generateRequest{
		TenantID:   string(tenantID),
		Sender:     sender,
		Text:       text,
		HistoryRef: historyRef,
	}
	status, body, err := g.http.PostJSON(ctx, g.config.URL, nil, req)
	if err != nil {
		return "", fmt.Errorf("reply generator unreachable: %w", err)
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("reply generator returned status %d", status)
	}

	var resp generateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("malformed reply generator response: %w", err)
	}
	if resp.Reply == "" {
		return "", fmt.Errorf("reply generator returned an empty reply")
	}
	return resp.Reply, nil
}

// StaticGenerator answers every message with a fixed acknowledgement.
// Used when no external generator endpoint is configured.
type StaticGenerator struct {
	Reply string
}

func (s *StaticGenerator) Generate(_ context.Context, _ domain.TenantID, _, _, _ string) (string, error) {
	if s.Reply == "" {
		return "Thanks for your message, we'll get back to you shortly.", nil
	}
	return s.Reply, nil
}
