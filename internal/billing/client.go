// Package billing talks to the SMS-UP+ billing API: token exchange and
// credit balance lookup.
package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"smsup-service/internal/config"
	"smsup-service/internal/retry"
	"smsup-service/internal/util"
)

var (
	ErrTokenExchange     = errors.New("billing: token exchange failed")
	ErrBalanceFetch      = errors.New("billing: balance fetch failed")
	ErrMalformedResponse = errors.New("billing: malformed response")
)

const maxBodyBytes = 64 << 10

type Client struct {
	cfg    config.BillingConfig
	http   *http.Client
	policy retry.Policy
}

func NewClient(cfg config.BillingConfig, policy retry.Policy, httpClient *http.Client) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if cfg.TokenMinutes <= 0 {
		cfg.TokenMinutes = 30
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: httpClient, policy: policy}
}

type tokenRequest struct {
	Username      string `json:"username"`
	Password      string `json:"password"`
	ExpireMinutes int    `json:"expireMinutes"`
	IP            string `json:"ip"`
	Device        string `json:"device"`
}

// Token exchanges account credentials for a bearer token. Network errors and
// 5xx replies are retried; anything else fails immediately.
func (c *Client) Token(ctx context.Context, username, password string) (string, error) {
	payload, err := json.Marshal(tokenRequest{
		Username:      username,
		Password:      password,
		ExpireMinutes: c.cfg.TokenMinutes,
		IP:            c.cfg.ClientIP,
		Device:        c.cfg.Device,
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}

	var token string
	err = retry.Do(ctx, c.policy, func(ctx context.Context) error {
		status, body, err := c.post(ctx, "/Token", payload, "")
		if err != nil {
			return err
		}
		if status >= 500 {
			return fmt.Errorf("http %d", status)
		}
		if status < 200 || status >= 300 {
			return retry.Permanent(fmt.Errorf("http %d", status))
		}
		token, err = ParseToken(body)
		if err != nil {
			return retry.Permanent(err)
		}
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		util.Warn("Billing token exchange failed, retrying",
			util.Int("attempt", attempt),
			util.Duration("wait", wait),
			util.ErrorField(err))
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTokenExchange, err)
	}
	return token, nil
}

// Balance fetches the current credit balance for the token's account.
func (c *Client) Balance(ctx context.Context, token string) (decimal.Decimal, error) {
	status, body, err := c.post(ctx, "/credit/get_credit_byuser", []byte("{}"), token)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrBalanceFetch, err)
	}
	if status < 200 || status >= 300 {
		return decimal.Zero, fmt.Errorf("%w: http %d", ErrBalanceFetch, status)
	}
	balance, err := ParseBalance(body)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrBalanceFetch, err)
	}
	return balance, nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte, bearer string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// ParseToken accepts a bare token, a JSON string or an object with a token field.
func ParseToken(body []byte) (string, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return "", fmt.Errorf("%w: empty token", ErrMalformedResponse)
	}

	var token string
	switch trimmed[0] {
	case '"':
		if err := json.Unmarshal(trimmed, &token); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
	case '{':
		var obj struct {
			Token       string `json:"token"`
			AccessToken string `json:"access_token"`
		}
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return "", fmt.Errorf("%w: %v", ErrMalformedResponse, err)
		}
		token = obj.Token
		if token == "" {
			token = obj.AccessToken
		}
	default:
		token = string(trimmed)
	}

	token = strings.TrimSpace(token)
	if token == "" || strings.ContainsAny(token, " \r\n") {
		return "", fmt.Errorf("%w: unusable token", ErrMalformedResponse)
	}
	return token, nil
}

type balanceResponse struct {
	Balance  decimal.NullDecimal `json:"balance"`
	ErrorMsg string              `json:"errormsg"`
}

// ParseBalance reads {balance, errormsg}; balance may be a number or a numeric string.
func ParseBalance(body []byte) (decimal.Decimal, error) {
	var res balanceResponse
	if err := json.Unmarshal(body, &res); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if msg := strings.TrimSpace(res.ErrorMsg); msg != "" {
		return decimal.Zero, fmt.Errorf("billing api error: %s", msg)
	}
	if !res.Balance.Valid {
		return decimal.Zero, fmt.Errorf("%w: missing balance", ErrMalformedResponse)
	}
	return res.Balance.Decimal, nil
}
