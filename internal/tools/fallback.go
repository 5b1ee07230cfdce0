package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// FallbackPolicy is one primary attempt, then at most one fallback attempt.
type FallbackPolicy struct {
	Primary  string
	Fallback string
	Delay    time.Duration
}

// WithFallback runs call against the primary host and, when the failure
// qualifies and the primary is not local, once more against the fallback
// host after Delay. It reports whether the fallback host produced the value.
// Errors that leave both hosts unusable wrap ErrToolUnavailable.
func WithFallback[T any](ctx context.Context, p FallbackPolicy, call func(ctx context.Context, baseURL string) (T, error)) (T, bool, error) {
	var zero T
	if p.Primary == "" {
		return zero, false, ErrNoBackend
	}

	v, err := call(ctx, p.Primary)
	if err == nil {
		return v, false, nil
	}
	if !Retryable(err) {
		return zero, false, err
	}
	if p.Fallback == "" || p.Fallback == p.Primary || IsLocalHost(p.Primary) {
		return zero, false, fmt.Errorf("%w: %w", ErrToolUnavailable, err)
	}

	slog.Warn("tools.WithFallback: primary failed, trying fallback", "primary", p.Primary, "fallback", p.Fallback, "error", err)
	if p.Delay > 0 {
		timer := time.NewTimer(p.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, false, fmt.Errorf("%w: %w", ErrToolUnavailable, ctx.Err())
		case <-timer.C:
		}
	}

	v, ferr := call(ctx, p.Fallback)
	if ferr == nil {
		return v, true, nil
	}
	if !Retryable(ferr) {
		return zero, true, ferr
	}
	return zero, true, fmt.Errorf("%w: primary: %w; fallback: %w", ErrToolUnavailable, err, ferr)
}

// Retryable reports whether err is a transport failure, a timeout or a
// gateway-class status that another host might not have.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var he *HTTPError
	if errors.As(err, &he) {
		switch he.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	var ue *url.Error
	return errors.As(err, &ue)
}

// IsLocalHost reports whether rawURL points at this machine.
func IsLocalHost(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
