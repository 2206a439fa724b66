package token

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/mindflex/internal/core"
)

var ErrRejected = errors.New("credential request rejected")

// Client fetches credentials from the token endpoint. Any non-2xx answer is
// a hard failure.
type Client struct {
	endpoint string
	http     *http.Client
	logger   zerolog.Logger
}

func NewClient(endpoint string, hc *http.Client) *Client {
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		endpoint: endpoint,
		http:     hc,
		logger:   log.With().Str("module", "adapters.token.client").Logger(),
	}
}

type errorBody struct {
	Error string `json:"error"`
}

func (c *Client) Credentials(ctx context.Context, req core.CredentialRequest) (*core.Credentials, error) {
	body, err := json.Marshal(Request{
		Room:      string(req.Room),
		Username:  req.Identity,
		FirstName: req.DisplayName,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var eb errorBody
		_ = json.Unmarshal(raw, &eb)
		if eb.Error == "" {
			eb.Error = http.StatusText(resp.StatusCode)
		}
		c.logger.Warn().Int("status", resp.StatusCode).Str("error", eb.Error).Msg("credential endpoint refused")
		return nil, fmt.Errorf("%w: %s (status %d)", ErrRejected, eb.Error, resp.StatusCode)
	}

	var creds core.Credentials
	if err := json.Unmarshal(raw, &creds); err != nil {
		return nil, fmt.Errorf("decode credentials: %w", err)
	}
	if creds.Token == "" || creds.ServerURL == "" {
		return nil, fmt.Errorf("%w: response without token or server url", ErrRejected)
	}
	if creds.Room == "" {
		creds.Room = req.Room
	}
	return &creds, nil
}
