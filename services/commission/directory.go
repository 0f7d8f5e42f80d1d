package commission

import (
	"context"
	"strings"
	"sync"
	"time"

	"donation-reconciler/pkg/config"
	"donation-reconciler/pkg/metrics"
	"donation-reconciler/pkg/repository"

	"go.uber.org/fx"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"
)

// Resolver looks up the referrer behind an ambassador code. A nil result means
// the code is unknown or inactive.
type Resolver interface {
	Resolve(ctx context.Context, code string) (*Ambassador, error)
}

type cacheEntry struct {
	ambassador *Ambassador
	loadedAt   time.Time
}

// Directory caches lookups, negative ones included, for the configured TTL.
type Directory struct {
	ambassadors repository.Repository[Ambassador]

	mu    sync.RWMutex
	items map[string]cacheEntry
	ttl   time.Duration
	group singleflight.Group
}

type DirectoryParams struct {
	fx.In
	DB     *gorm.DB
	Config *config.Config
}

func NewDirectory(p DirectoryParams) *Directory {
	return &Directory{
		ambassadors: repository.ProvideStore[Ambassador](p.DB),
		items:       make(map[string]cacheEntry),
		ttl:         p.Config.Commission.CacheTTL,
	}
}

func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func (d *Directory) get(code string) (*Ambassador, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	e, ok := d.items[code]
	if !ok || (d.ttl > 0 && time.Since(e.loadedAt) > d.ttl) {
		return nil, false
	}
	return e.ambassador, true
}

func (d *Directory) set(code string, a *Ambassador) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items[code] = cacheEntry{ambassador: a, loadedAt: time.Now()}
}

func (d *Directory) Invalidate(code string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.items, normalizeCode(code))
}

func (d *Directory) Resolve(ctx context.Context, code string) (*Ambassador, error) {
	code = normalizeCode(code)
	if code == "" {
		return nil, nil
	}

	if a, ok := d.get(code); ok {
		metrics.ReferrerCache.WithLabelValues("hit").Inc()
		return a, nil
	}
	metrics.ReferrerCache.WithLabelValues("miss").Inc()

	v, err, _ := d.group.Do(code, func() (any, error) {
		a, err := d.ambassadors.FindOne(ctx, &Ambassador{Code: code})
		if err != nil {
			return nil, err
		}
		if a != nil && !a.Active {
			a = nil
		}
		d.set(code, a)
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Ambassador), nil
}
