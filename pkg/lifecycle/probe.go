package lifecycle

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Probe timing, per spec.md §4.4.2/§5. ProbeBackoffMin/Max are vars
// rather than consts so tests can shrink them instead of waiting out
// real backoff delays.
const (
	ProbeTimeout     = 2 * time.Second
	ProbeMaxAttempts = 10
)

var (
	ProbeBackoffMin = 1 * time.Second
	ProbeBackoffMax = 5 * time.Second
)

// ProbeFunc issues one HTTP probe attempt; overridable in tests.
type ProbeFunc func(ctx context.Context, url string) (status int, err error)

// defaultProbe performs `GET /` on the given URL, per spec.md §4.4.2.
// net/http is standard library; no example repo in the pack carries a
// dedicated HTTP health-check client, so a bare *http.Client is used
// directly rather than routed through a third-party wrapper (see
// DESIGN.md's stdlib justification for pkg/lifecycle/probe.go).
func defaultProbe(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	client := &http.Client{Timeout: ProbeTimeout}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

// ProbePort repeatedly probes http://localhost:port/ until it returns
// 200, up to ProbeMaxAttempts times with capped exponential backoff
// (spec.md §4.4.2: start ≈1s, cap ≈5s, ceiling ≈10 attempts). onAttempt,
// if non-nil, is called once per attempt so the caller can relay
// progress_log events (throttling that stream is the caller's job, via
// pkg/lifecycle.Controller's go-throttle broadcaster).
func ProbePort(ctx context.Context, probe ProbeFunc, port int, onAttempt func(attempt int, err error)) error {
	if probe == nil {
		probe = defaultProbe
	}

	backoff := ProbeBackoffMin
	var lastErr error
	for attempt := 1; attempt <= ProbeMaxAttempts; attempt++ {
		probeCtx, cancel := context.WithTimeout(ctx, ProbeTimeout)
		status, err := probe(probeCtx, fmt.Sprintf("http://localhost:%d/", port))
		cancel()

		if err == nil && status == http.StatusOK {
			if onAttempt != nil {
				onAttempt(attempt, nil)
			}
			return nil
		}

		if err == nil {
			err = fmt.Errorf("probe returned status %d", status)
		}
		lastErr = err
		if onAttempt != nil {
			onAttempt(attempt, err)
		}

		if attempt == ProbeMaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > ProbeBackoffMax {
			backoff = ProbeBackoffMax
		}
	}
	return fmt.Errorf("probe failed after %d attempts: %w", ProbeMaxAttempts, lastErr)
}
