package ice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// DefaultTimeout bounds a single provider request.
const DefaultTimeout = 10 * time.Second

var (
	// ErrNotConfigured is returned when no provider URL is configured.
	ErrNotConfigured = errors.New("ice: provider not configured")
	errBadStatus     = errors.New("ice: provider returned non-ok status")
	errEmptyList     = errors.New("ice: provider returned no servers")
)

// Source identifies which provider produced an ICE server list.
type Source string

const (
	SourceExternal Source = "external"
	SourceFallback Source = "fallback"
)

// Result is a fetched ICE server list tagged with its origin.
type Result struct {
	Servers []Server
	Source  Source
}

// Config describes the external credential provider endpoint.
type Config struct {
	// URL is the HTTPS endpoint issuing short-lived server lists. Empty
	// disables the provider entirely (fallback only).
	URL string
	// ID and Secret are sent as HTTP Basic authentication.
	ID     string
	Secret string
	// Timeout bounds each request; zero means DefaultTimeout.
	Timeout time.Duration

	Logger     *slog.Logger
	HTTPClient *http.Client
}

// Provider is a client for the external credential service.
type Provider struct {
	cfg    Config
	client *http.Client
	log    *slog.Logger
}

// NewProvider constructs a provider client. A zero-value Config yields a
// provider whose Fetch always fails with ErrNotConfigured, which makes
// FetchWithFallback return the static list.
func NewProvider(cfg Config) *Provider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	return &Provider{cfg: cfg, client: client, log: cfg.Logger}
}

// providerResponse is the provider's wire format.
type providerResponse struct {
	Status string `json:"status"`
	Value  struct {
		RelayServers []Server `json:"relayServers"`
	} `json:"value"`
}

// Fetch requests a fresh server list from the external provider. Any
// transport error, timeout, non-2xx response, non-ok payload status,
// malformed body, empty list or invalid entry is reported as an error;
// callers that must not fail use FetchWithFallback.
func (p *Provider) Fetch(ctx context.Context) ([]Server, error) {
	if p.cfg.URL == "" {
		return nil, ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("ice: build request: %w", err)
	}
	req.SetBasicAuth(p.cfg.ID, p.cfg.Secret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ice: provider request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: http %d", errBadStatus, resp.StatusCode)
	}

	var body providerResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("ice: decode provider response: %w", err)
	}
	if body.Status != "ok" {
		return nil, fmt.Errorf("%w: %q", errBadStatus, body.Status)
	}
	if len(body.Value.RelayServers) == 0 {
		return nil, errEmptyList
	}
	for i, server := range body.Value.RelayServers {
		if err := server.Validate(); err != nil {
			return nil, fmt.Errorf("ice: relayServers[%d]: %w", i, err)
		}
	}
	return body.Value.RelayServers, nil
}

// FetchWithFallback wraps Fetch and substitutes the static public STUN list
// on any failure. It never returns an error; the Result's Source reports
// which provider was used.
func (p *Provider) FetchWithFallback(ctx context.Context) Result {
	servers, err := p.Fetch(ctx)
	if err != nil {
		if !errors.Is(err, ErrNotConfigured) {
			p.log.Warn("ice provider unavailable, using fallback servers", "err", err)
		}
		return Result{Servers: FallbackServers(), Source: SourceFallback}
	}
	p.log.Debug("ice servers fetched from provider", "count", len(servers))
	return Result{Servers: servers, Source: SourceExternal}
}
