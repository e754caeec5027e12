package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/migadu/nestlink/consts"
	"github.com/migadu/nestlink/helpers"
	"github.com/migadu/nestlink/pkg/circuitbreaker"
	"github.com/migadu/nestlink/pkg/metrics"
	"github.com/migadu/nestlink/pkg/retry"
)

const maxNegotiateRedirects = 5

type availableTransport struct {
	Transport       string   `json:"transport"`
	TransferFormats []string `json:"transferFormats"`
}

type negotiateResponse struct {
	ConnectionID        string               `json:"connectionId"`
	ConnectionToken     string               `json:"connectionToken"`
	NegotiateVersion    int                  `json:"negotiateVersion"`
	AvailableTransports []availableTransport `json:"availableTransports"`
	URL                 string               `json:"url"`
	AccessToken         string               `json:"accessToken"`
	Error               string               `json:"error"`
}

func (r *negotiateResponse) supportsWebSockets() bool {
	for _, t := range r.AvailableTransports {
		if t.Transport == "WebSockets" {
			return true
		}
	}
	return false
}

// negotiation is the outcome of a negotiate exchange, after redirects.
type negotiation struct {
	hubURL          *url.URL
	token           string
	connectionID    string
	connectionToken string
}

// negotiateURL appends /negotiate to the hub path and sets negotiateVersion.
func negotiateURL(hubURL *url.URL) string {
	u := *hubURL
	u.Path = strings.TrimSuffix(u.Path, "/") + "/negotiate"
	q := u.Query()
	q.Set("negotiateVersion", "1")
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Conn) negotiate(ctx context.Context, token string) (*negotiation, error) {
	hubURL := c.hubURL
	for i := 0; i <= maxNegotiateRedirects; i++ {
		resp, err := c.negotiateWithRetry(ctx, hubURL, token)
		if err != nil {
			return nil, err
		}
		if resp.URL == "" {
			if !resp.supportsWebSockets() {
				return nil, consts.ErrHubNoTransport
			}
			n := &negotiation{
				hubURL:          hubURL,
				token:           token,
				connectionID:    resp.ConnectionID,
				connectionToken: resp.ConnectionToken,
			}
			if resp.NegotiateVersion == 0 || n.connectionToken == "" {
				n.connectionToken = resp.ConnectionID
			}
			return n, nil
		}

		redirect, err := url.Parse(resp.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid negotiate redirect url: %w", err)
		}
		c.log.Info("[HUB] negotiate redirected", "url", helpers.MaskURL(redirect.String()))
		hubURL = redirect
		if resp.AccessToken != "" {
			token = resp.AccessToken
		}
	}
	return nil, fmt.Errorf("negotiate exceeded %d redirects", maxNegotiateRedirects)
}

func (c *Conn) negotiateWithRetry(ctx context.Context, hubURL *url.URL, token string) (*negotiateResponse, error) {
	var resp *negotiateResponse
	cfg := c.opts.NegotiateBackoff
	cfg.MaxRetries = c.opts.NegotiateRetries

	err := retry.WithRetryAdvanced(ctx, func() error {
		r, err := c.negotiateOnce(ctx, hubURL, token)
		if err != nil {
			if errors.Is(err, consts.ErrHubUnauthorized) || errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) ||
				errors.Is(err, circuitbreaker.ErrTooManyRequests) || ctx.Err() != nil {
				return retry.Stop(err)
			}
			return err
		}
		resp = r
		return nil
	}, cfg)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Conn) negotiateOnce(ctx context.Context, hubURL *url.URL, token string) (*negotiateResponse, error) {
	call := func() (*negotiateResponse, error) {
		return c.postNegotiate(ctx, hubURL, token)
	}
	if c.opts.Breaker == nil {
		resp, err := call()
		recordNegotiation(err)
		return resp, err
	}

	v, err := c.opts.Breaker.Execute(func() (any, error) {
		return call()
	})
	recordNegotiation(err)
	if err != nil {
		return nil, err
	}
	return v.(*negotiateResponse), nil
}

func recordNegotiation(err error) {
	switch {
	case err == nil:
		metrics.HubNegotiations.WithLabelValues("success").Inc()
	case errors.Is(err, consts.ErrHubUnauthorized):
		metrics.HubNegotiations.WithLabelValues("unauthorized").Inc()
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		metrics.HubNegotiations.WithLabelValues("breaker_open").Inc()
	default:
		metrics.HubNegotiations.WithLabelValues("failure").Inc()
	}
}

func (c *Conn) postNegotiate(ctx context.Context, hubURL *url.URL, token string) (*negotiateResponse, error) {
	target := negotiateURL(hubURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build negotiate request: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.Header.Set("X-Requested-With", "XMLHttpRequest")

	res, err := c.opts.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("negotiate request to %s failed: %w", helpers.MaskURL(target), err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read negotiate response: %w", err)
	}

	switch {
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: negotiate returned %d", consts.ErrHubUnauthorized, res.StatusCode)
	case res.StatusCode < 200 || res.StatusCode > 299:
		return nil, fmt.Errorf("negotiate returned %d: %s", res.StatusCode,
			helpers.SanitizeErrorText(string(body)))
	}

	var resp negotiateResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("invalid negotiate response: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("negotiate rejected: %s", helpers.SanitizeErrorText(resp.Error))
	}
	return &resp, nil
}
