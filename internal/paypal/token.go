package paypal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

// tokenSource caches the OAuth client-credentials token and refreshes it
// once 80% of its lifetime has elapsed. The mutex spans the refresh so
// concurrent callers share a single in-flight request.
type tokenSource struct {
	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
	now         func() time.Time
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.tokens.mu.Lock()
	defer c.tokens.mu.Unlock()

	now := c.tokens.now()
	if c.tokens.accessToken != "" && now.Before(c.tokens.expiresAt) {
		return c.tokens.accessToken, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.SetBasicAuth(c.clientID, c.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &GatewayError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var token tokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if token.AccessToken == "" || token.ExpiresIn <= 0 {
		return "", fmt.Errorf("token response missing access_token or expires_in")
	}

	lifetime := time.Duration(token.ExpiresIn) * time.Second
	c.tokens.accessToken = token.AccessToken
	c.tokens.expiresAt = now.Add(lifetime * 8 / 10)
	return c.tokens.accessToken, nil
}
