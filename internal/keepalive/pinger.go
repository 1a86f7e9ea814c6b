// Package keepalive pings the bridge's own public URL so idle hosting does not put it to sleep.
package keepalive

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"discord-map-bridge/backend/pkg/logger"
)

const pingTimeout = 15 * time.Second

// Pinger issues GET requests to a fixed URL
type Pinger struct {
	url    string
	client *http.Client
	log    *logger.Logger
}

// NewPinger creates a pinger for url
func NewPinger(url string, log *logger.Logger) *Pinger {
	return &Pinger{
		url:    url,
		client: &http.Client{Timeout: pingTimeout},
		log:    log,
	}
}

// Ping performs one request; any non-2xx status is an error
func (p *Pinger) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return fmt.Errorf("failed to build keep-alive request: %w", err)
	}
	req.Header.Set("User-Agent", "discord-map-bridge-keepalive")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("keep-alive request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("keep-alive returned status %d", resp.StatusCode)
	}
	return nil
}

// Run is the scheduled job: one ping, logged
func (p *Pinger) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()

	if err := p.Ping(ctx); err != nil {
		p.log.Warn("keep-alive ping failed", "url", p.url, "error", err.Error())
		return
	}
	p.log.Debug("keep-alive ping ok", "url", p.url)
}
