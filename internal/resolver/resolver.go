// Package resolver is the Link Resolver: it maps a task's original_url to
// a fresh direct download URL via a pool of upstream file-host
// credentials, rotating credentials on quota exhaustion.
// Grounded on gonzb's internal/nntp manager.go/provider.go: priority-sorted
// providers, a per-provider semaphore bounding in-flight requests, and a
// startup TestConnection preflight, generalized from NNTP article fetch to
// HTTP link resolution against an *arr-style file host.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/flasharr/flasharr/internal/config"
	"github.com/flasharr/flasharr/internal/domain"
	"github.com/flasharr/flasharr/internal/obs/logger"
)

// Result is what a successful resolution yields. ExpiresHint, when set, is
// advisory only — the worker never persists DirectURL and always re-resolves
// on 403/410 rather than trusting it past that hint.
type Result struct {
	DirectURL   string
	ExpiresHint time.Time
}

// Resolver is the Link Resolver's public contract.
type Resolver interface {
	Resolve(ctx context.Context, task *domain.Task) (Result, error)
}

// managedCredential pairs a configured upstream account with the semaphore
// bounding its concurrent in-flight resolutions, mirroring gonzb's
// managedProvider.
type managedCredential struct {
	config.Credential
	semaphore chan struct{}
}

// HTTPResolver resolves links against a generic *arr-style file host API:
// GET {base_url}/api/resolve?url=... with the account's API key as a bearer
// token, returning a JSON
// body carrying the direct URL. Real upstream wire formats vary; this
// client targets a generic shape and is the seam a host-specific client
// would replace.
type HTTPResolver struct {
	client      *http.Client
	credentials []*managedCredential
	logger      *logger.Logger
}

// New builds a Resolver from configured credentials, health-checking every
// one up front exactly as gonzb's NewManager does with TestConnection — a
// credential that fails preflight is dropped with a warning rather than
// aborting startup, so a single dead account doesn't take the service down.
func New(ctx context.Context, creds []config.Credential, httpTimeout time.Duration, log *logger.Logger) (*HTTPResolver, error) {
	client := &http.Client{Timeout: httpTimeout}

	sorted := append([]config.Credential(nil), creds...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })

	r := &HTTPResolver{client: client, logger: log}
	for _, c := range sorted {
		mc := &managedCredential{Credential: c, semaphore: make(chan struct{}, c.MaxConnection)}
		if err := r.healthCheck(ctx, mc); err != nil {
			log.Warn("credential %s failed startup health check: %v", c.ID, err)
			continue
		}
		r.credentials = append(r.credentials, mc)
	}

	if len(r.credentials) == 0 {
		return nil, fmt.Errorf("no credential passed its startup health check")
	}
	return r, nil
}

func (r *HTTPResolver) healthCheck(ctx context.Context, mc *managedCredential) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mc.BaseURL+"/api/account", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+mc.APIKey)

	resp, err := r.client.Do(req)
	if err != nil {
		return domain.ErrNetworkTransient
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrAuthRequired
	default:
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

// Resolve rotates across credentials by priority, skipping any that are at
// capacity, and classifies failures into the shared domain error taxonomy.
func (r *HTTPResolver) Resolve(ctx context.Context, task *domain.Task) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	var lastErr error
	anyBusy := false

	for _, mc := range r.credentials {
		select {
		case mc.semaphore <- struct{}{}:
			res, err := r.resolveWith(ctx, mc, task.OriginalURL)
			<-mc.semaphore
			if err == nil {
				return res, nil
			}
			if domainErr := domain.Classify(err); domainErr == domain.ErrNotFound {
				return Result{}, domain.ErrNotFound
			}
			lastErr = err
		default:
			anyBusy = true
			continue
		}
	}

	if lastErr != nil {
		return Result{}, lastErr
	}
	if anyBusy {
		return Result{}, domain.ErrProviderBusy
	}
	return Result{}, domain.ErrNotFound
}

type resolveResponse struct {
	DirectURL string `json:"direct_url"`
	ExpiresIn int64  `json:"expires_in_seconds"`
	Error     string `json:"error"`
}

func decodeJSON(resp *http.Response, out any) error {
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *HTTPResolver) resolveWith(ctx context.Context, mc *managedCredential, originalURL string) (Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mc.BaseURL+"/api/resolve", nil)
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Authorization", "Bearer "+mc.APIKey)
	q := req.URL.Query()
	q.Set("url", originalURL)
	req.URL.RawQuery = q.Encode()

	resp, err := r.client.Do(req)
	if err != nil {
		return Result{}, domain.ErrNetworkTransient
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body resolveResponse
		if err := decodeJSON(resp, &body); err != nil {
			return Result{}, fmt.Errorf("decode resolve response: %w", err)
		}
		res := Result{DirectURL: body.DirectURL}
		if body.ExpiresIn > 0 {
			res.ExpiresHint = time.Now().Add(time.Duration(body.ExpiresIn) * time.Second)
		}
		return res, nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return Result{}, domain.ErrAuthRequired
	case http.StatusTooManyRequests:
		return Result{}, domain.ErrQuotaExceeded
	case http.StatusNotFound, http.StatusGone:
		return Result{}, domain.ErrNotFound
	default:
		return Result{}, domain.ErrNetworkTransient
	}
}
