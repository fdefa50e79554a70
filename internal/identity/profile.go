package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Profile is the subset of the backend's user profile the resolver needs.
type Profile struct {
	ID   string
	Role string
}

// ProfileFetcher loads the signed-in user's profile from the REST backend.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, token string) (Profile, error)
}

type HTTPProfileFetcher struct {
	url    string
	client *http.Client
}

// NewHTTPProfileFetcher targets <baseURL>/api/users/me.
func NewHTTPProfileFetcher(baseURL string, client *http.Client) *HTTPProfileFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPProfileFetcher{
		url:    strings.TrimRight(strings.TrimSpace(baseURL), "/") + "/api/users/me",
		client: client,
	}
}

func (f *HTTPProfileFetcher) FetchProfile(ctx context.Context, token string) (Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, http.NoBody)
	if err != nil {
		return Profile{}, fmt.Errorf("build profile request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Profile{}, fmt.Errorf("fetch profile: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Profile{}, fmt.Errorf("fetch profile: unexpected status %d", resp.StatusCode)
	}

	var body map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	// Some endpoints wrap the profile in a "data" envelope.
	if inner, ok := body["data"].(map[string]interface{}); ok {
		body = inner
	}

	return Profile{
		ID:   stringValue(body["id"]),
		Role: stringValue(body["role"]),
	}, nil
}
