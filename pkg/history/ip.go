package history

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// ipResolver fetches the caller's public IP from an ipify-compatible
// endpoint. Lookups are best-effort: any failure yields an empty string
// and the first successful answer is cached for the process lifetime.
type ipResolver struct {
	url    string
	client *http.Client

	mu     sync.Mutex
	cached string
}

func newIPResolver(url string) *ipResolver {
	return &ipResolver{
		url:    url,
		client: &http.Client{Timeout: 3 * time.Second},
	}
}

// resolve returns the public IP or "" when lookup is disabled or fails.
// Safe to call on a nil resolver.
func (r *ipResolver) resolve(ctx context.Context) string {
	if r == nil || r.url == "" {
		return ""
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cached != "" {
		return r.cached
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return ""
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	var payload struct {
		IP string `json:"ip"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return ""
	}
	r.cached = payload.IP
	return r.cached
}
