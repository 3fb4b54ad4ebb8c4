package network

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/cuemby/outpost/pkg/log"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog"
)

// DefaultIPEchoURL answers with the caller's public address as plain text
const DefaultIPEchoURL = "https://api.ipify.org"

// IPDetector discovers the origin's public IPv4 address
type IPDetector struct {
	URL    string
	client *retryablehttp.Client
}

// NewIPDetector creates a detector querying url, or DefaultIPEchoURL if empty
func NewIPDetector(url string) *IPDetector {
	if url == "" {
		url = DefaultIPEchoURL
	}

	client := retryablehttp.NewClient()
	client.RetryMax = 3
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 5 * time.Second
	client.HTTPClient.Timeout = 10 * time.Second
	client.Logger = leveledLogger{log.WithComponent("network")}

	return &IPDetector{URL: url, client: client}
}

// WithRetry overrides the retry policy
func (d *IPDetector) WithRetry(max int, waitMin, waitMax time.Duration) *IPDetector {
	d.client.RetryMax = max
	d.client.RetryWaitMin = waitMin
	d.client.RetryWaitMax = waitMax
	return d
}

// Detect returns the public IPv4 address reported by the echo service
func (d *IPDetector) Detect(ctx context.Context) (netip.Addr, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, d.URL, nil)
	if err != nil {
		return netip.Addr{}, err
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("failed to query %s: %w", d.URL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return netip.Addr{}, fmt.Errorf("%s returned HTTP %d", d.URL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return netip.Addr{}, err
	}

	addr, err := netip.ParseAddr(strings.TrimSpace(string(body)))
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%s returned %q: %w", d.URL, strings.TrimSpace(string(body)), err)
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%s returned non-IPv4 address %s", d.URL, addr)
	}
	return addr, nil
}

// leveledLogger routes retryablehttp's logging to zerolog
type leveledLogger struct {
	logger zerolog.Logger
}

func (l leveledLogger) Error(msg string, kv ...interface{}) {
	fields(l.logger.Error(), kv).Msg(msg)
}

// Info is demoted to debug so retry chatter stays out of the default log
func (l leveledLogger) Info(msg string, kv ...interface{}) {
	fields(l.logger.Debug(), kv).Msg(msg)
}

func (l leveledLogger) Debug(msg string, kv ...interface{}) {
	fields(l.logger.Debug(), kv).Msg(msg)
}

func (l leveledLogger) Warn(msg string, kv ...interface{}) {
	fields(l.logger.Warn(), kv).Msg(msg)
}

func fields(e *zerolog.Event, kv []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		e = e.Interface(fmt.Sprint(kv[i]), kv[i+1])
	}
	return e
}
