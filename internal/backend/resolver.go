package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"treasury_watcher/internal/policy"
)

// PolicyResolver fetches a policy document by ENS name. A nil policy with a
// nil error means the name resolves to nothing.
type PolicyResolver interface {
	GetPolicy(ctx context.Context, ensName string) (*policy.Policy, error)
}

// RESTResolver fetches policy JSON from a resolver service that maps ENS
// names to policy documents.
type RESTResolver struct {
	baseURL string
	client  *http.Client
}

// NewRESTResolver builds a resolver against the service base URL.
func NewRESTResolver(baseURL string) *RESTResolver {
	return &RESTResolver{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// GetPolicy fetches /policies/<name>. A 404 means the name resolves to
// nothing, which is a nil policy rather than an error.
func (r *RESTResolver) GetPolicy(ctx context.Context, ensName string) (*policy.Policy, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		r.baseURL+"/policies/"+url.PathEscape(ensName), nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", ensName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolve %s: status %d", ensName, resp.StatusCode)
	}

	var p policy.Policy
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("resolve %s: decode: %w", ensName, err)
	}
	return &p, nil
}

// CachedResolver wraps a PolicyResolver with a TTL cache so the executor's
// pre-dispatch re-check does not hammer the resolver every tick.
type CachedResolver struct {
	inner PolicyResolver
	ttl   time.Duration
	now   func() time.Time

	mu    sync.Mutex
	cache map[string]cachedPolicy
}

type cachedPolicy struct {
	policy  *policy.Policy
	fetched time.Time
}

// NewCachedResolver wraps inner with the given TTL. A nil clock defaults to
// time.Now.
func NewCachedResolver(inner PolicyResolver, ttl time.Duration, clock func() time.Time) *CachedResolver {
	if clock == nil {
		clock = time.Now
	}
	return &CachedResolver{
		inner: inner,
		ttl:   ttl,
		now:   clock,
		cache: make(map[string]cachedPolicy),
	}
}

// GetPolicy returns the cached policy when fresh, otherwise refetches.
// A fetch error falls back to the stale entry when one exists.
func (r *CachedResolver) GetPolicy(ctx context.Context, ensName string) (*policy.Policy, error) {
	r.mu.Lock()
	entry, ok := r.cache[ensName]
	r.mu.Unlock()

	if ok && r.now().Sub(entry.fetched) < r.ttl {
		return entry.policy, nil
	}

	p, err := r.inner.GetPolicy(ctx, ensName)
	if err != nil {
		if ok {
			return entry.policy, nil
		}
		return nil, err
	}

	r.mu.Lock()
	r.cache[ensName] = cachedPolicy{policy: p, fetched: r.now()}
	r.mu.Unlock()
	return p, nil
}
