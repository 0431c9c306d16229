package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/time/rate"

	"github.com/yllada/vpnd/common"
)

// maxRelayListSize bounds the response body accepted from the relay API.
const maxRelayListSize = 32 << 20

// UpdaterConfig configures the relay list refresher.
type UpdaterConfig struct {
	URL      string
	Interval time.Duration
	// MinGap is the minimum time between two requests, including manual ones.
	MinGap time.Duration
	Client *http.Client
}

// Updater keeps a Pool in sync with the relay API and the on-disk cache.
type Updater struct {
	pool    *Pool
	cache   *Cache
	config  UpdaterConfig
	limiter *rate.Limiter
	trigger chan struct{}
}

// NewUpdater returns an updater for pool. cache may be nil.
func NewUpdater(pool *Pool, cache *Cache, config UpdaterConfig) *Updater {
	if config.Interval <= 0 {
		config.Interval = common.RelayRefreshInterval
	}
	if config.MinGap <= 0 {
		config.MinGap = 10 * time.Second
	}
	if config.Client == nil {
		config.Client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Updater{
		pool:    pool,
		cache:   cache,
		config:  config,
		limiter: rate.NewLimiter(rate.Every(config.MinGap), 1),
		trigger: make(chan struct{}, 1),
	}
}

// LoadCache seeds the pool from the cache if the pool is still empty.
func (u *Updater) LoadCache(ctx context.Context) error {
	if u.cache == nil || u.pool.Snapshot() != nil {
		return nil
	}
	cat, err := u.cache.Load(ctx)
	if err != nil {
		return err
	}
	u.pool.Replace(cat)
	common.LogInfo("Loaded %d relays from cache (updated %s)", len(cat.Relays), cat.Updated.Format(time.RFC3339))
	return nil
}

// Trigger requests an out-of-schedule refresh. It never blocks.
func (u *Updater) Trigger() {
	select {
	case u.trigger <- struct{}{}:
	default:
	}
}

// Run refreshes the pool immediately and then on every interval until ctx
// is cancelled.
func (u *Updater) Run(ctx context.Context) error {
	if err := u.LoadCache(ctx); err != nil && !errors.Is(err, ErrCacheEmpty) {
		common.LogWarn("Could not load relay cache: %v", err)
	}

	ticker := time.NewTicker(u.config.Interval)
	defer ticker.Stop()

	for {
		if err := u.Refresh(ctx); err != nil && ctx.Err() == nil {
			common.LogWarn("Relay list refresh failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-u.trigger:
		}
	}
}

// Refresh fetches the relay list once, retrying transient failures. A 304
// response leaves the pool untouched.
func (u *Updater) Refresh(ctx context.Context) error {
	if u.config.URL == "" {
		return nil
	}
	if err := u.limiter.Wait(ctx); err != nil {
		return err
	}

	var cat *Catalogue
	err := retry.Do(
		func() error {
			var err error
			cat, err = u.fetch(ctx, u.pool.ETag())
			return err
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			common.LogDebug("Relay list fetch attempt %d failed: %v", n+1, err)
		}),
	)
	if err != nil {
		return err
	}
	if cat == nil {
		common.LogDebug("Relay list unchanged")
		return nil
	}

	u.pool.Replace(cat)
	common.LogInfo("Relay list updated: %d relays", len(cat.Relays))

	if u.cache != nil {
		if err := u.cache.Store(ctx, cat); err != nil {
			common.LogWarn("Could not cache relay list: %v", err)
		}
	}
	return nil
}

// fetch returns nil, nil when the server reports the list unchanged.
func (u *Updater) fetch(ctx context.Context, etag string) (*Catalogue, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.config.URL, nil)
	if err != nil {
		return nil, retry.Unrecoverable(err)
	}
	req.Header.Set("Accept", "application/json")
	if etag != "" {
		req.Header.Set("If-None-Match", etag)
	}

	resp, err := u.config.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return nil, nil
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("relay API returned %s", resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, retry.Unrecoverable(fmt.Errorf("relay API returned %s", resp.Status))
	}

	var cat Catalogue
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxRelayListSize)).Decode(&cat); err != nil {
		return nil, retry.Unrecoverable(fmt.Errorf("error parsing relay list: %w", err))
	}
	cat.ETag = resp.Header.Get("ETag")
	cat.Updated = time.Now()
	return &cat, nil
}
