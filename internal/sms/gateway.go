// Package sms delivers OTP messages through the HTTP SMS gateway.
package sms

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"smsup-service/internal/config"
	"smsup-service/internal/metrics"
	"smsup-service/internal/phone"
	"smsup-service/internal/retry"
	"smsup-service/internal/util"
)

var (
	ErrInvalidNumber      = errors.New("sms gateway: invalid number")
	ErrGatewayRejected    = errors.New("sms gateway: message rejected")
	ErrGatewayUnavailable = errors.New("sms gateway: unavailable")
)

const maxBodyBytes = 64 << 10

type Gateway struct {
	cfg     config.SMSGatewayConfig
	http    *http.Client
	breaker *gobreaker.CircuitBreaker
	policy  retry.Policy
	metrics *metrics.Metrics
}

func NewGateway(cfg config.SMSGatewayConfig, policy retry.Policy, m *metrics.Metrics, httpClient *http.Client) *Gateway {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if cfg.SuccessMarker == "" {
		cfg.SuccessMarker = "Status=0"
	}
	if cfg.InvalidMarker == "" {
		cfg.InvalidMarker = "invalid number"
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	openFor := cfg.BreakerTimeout
	if openFor <= 0 {
		openFor = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "sms-gateway",
		MaxRequests: 1,
		Timeout:     openFor,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= failures
		},
		// A bad number says nothing about gateway health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrInvalidNumber)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			util.Warn("Circuit breaker state changed",
				util.String("breaker", name),
				util.String("from", from.String()),
				util.String("to", to.String()))
		},
	})

	return &Gateway{cfg: cfg, http: httpClient, breaker: breaker, policy: policy, metrics: m}
}

// Send posts message to the canonical phone number, retrying transient
// failures. Invalid numbers and an open breaker are not retried.
func (g *Gateway) Send(ctx context.Context, canonicalPhone, message string) error {
	err := retry.Do(ctx, g.policy, func(ctx context.Context) error {
		_, err := g.breaker.Execute(func() (interface{}, error) {
			return nil, g.post(ctx, canonicalPhone, message)
		})
		switch {
		case err == nil:
			g.metrics.GatewayAttempt("ok")
			return nil
		case errors.Is(err, ErrInvalidNumber):
			g.metrics.GatewayAttempt("invalid_number")
			return retry.Permanent(err)
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			g.metrics.GatewayAttempt("breaker_open")
			return retry.Permanent(fmt.Errorf("%w: %v", ErrGatewayUnavailable, err))
		default:
			g.metrics.GatewayAttempt("error")
			return err
		}
	}, func(attempt int, err error, wait time.Duration) {
		util.Warn("SMS gateway attempt failed, retrying",
			util.String("phone", phone.Mask(canonicalPhone)),
			util.Int("attempt", attempt),
			util.Duration("wait", wait),
			util.ErrorField(err))
	})
	if err != nil {
		util.Error("SMS delivery failed",
			util.String("phone", phone.Mask(canonicalPhone)),
			util.ErrorField(err))
		return err
	}

	util.Info("SMS delivered to gateway", util.String("phone", phone.Mask(canonicalPhone)))
	return nil
}

func (g *Gateway) post(ctx context.Context, canonicalPhone, message string) error {
	form := url.Values{}
	form.Set("username", g.cfg.Username)
	form.Set("password", g.cfg.Password)
	form.Set("msisdn", canonicalPhone)
	form.Set("message", message)
	if g.cfg.Sender != "" {
		form.Set("sender", g.cfg.Sender)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, strings.NewReader(form.Encode()))
	if err != nil {
		return retry.Permanent(fmt.Errorf("failed to build gateway request: %w", err))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read gateway response: %w", err)
	}
	return g.classify(resp.StatusCode, string(raw))
}

func (g *Gateway) classify(status int, body string) error {
	lower := strings.ToLower(body)
	if strings.Contains(lower, strings.ToLower(g.cfg.InvalidMarker)) {
		return ErrInvalidNumber
	}
	if status >= 200 && status < 300 && strings.Contains(body, g.cfg.SuccessMarker) {
		return nil
	}
	return fmt.Errorf("%w: http %d", ErrGatewayRejected, status)
}

// BreakerState reports the circuit breaker state for health output.
func (g *Gateway) BreakerState() string {
	return g.breaker.State().String()
}
