package inference

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"github.com/takuphilchan/offgrid-docai/internal/logging"
	"github.com/takuphilchan/offgrid-docai/pkg/api"
)

// ModelKey names one cache entry. An empty Version is whatever the registry
// has installed for Kind.
type ModelKey struct {
	Kind    api.ModelKind
	Version string
}

func (k ModelKey) String() string {
	if k.Version == "" {
		return string(k.Kind)
	}
	return string(k.Kind) + "@" + k.Version
}

// Loader produces a ready model for key on a cache miss.
type Loader func(ctx context.Context, key ModelKey) (*LoadedModel, error)

// DefaultLoadTimeout bounds a shared load once no caller is bound to it.
const DefaultLoadTimeout = 2 * time.Minute

// CacheEvent is reported to the cache observer.
type CacheEvent string

const (
	CacheHit    CacheEvent = "hit"
	CacheMiss   CacheEvent = "miss"
	CacheEvict  CacheEvent = "evict"
	CacheReject CacheEvent = "reject"
)

// CacheObserver receives cache events. It is called without the cache lock held.
type CacheObserver func(event CacheEvent, kind api.ModelKind, sizeBytes int64)

type cacheEntry struct {
	key        ModelKey
	model      *LoadedModel
	size       int64
	lastAccess time.Time
	inFlight   int
	removed    bool
}

// ModelCache keeps loaded models under a byte budget. Entries with an
// outstanding lease are never evicted; entries cleared while leased are
// closed when the last lease is released and still count against the budget
// until then.
type ModelCache struct {
	mu       sync.Mutex
	entries  map[ModelKey]*cacheEntry
	draining map[*cacheEntry]struct{}
	budget   int64
	used     int64

	loader      Loader
	loadTimeout time.Duration
	group       singleflight.Group

	hits       uint64
	misses     uint64
	evictions  uint64
	rejections uint64

	now      func() time.Time
	observer CacheObserver
	logger   *logging.Logger
}

// NewModelCache creates a cache that admits at most budgetBytes of models.
func NewModelCache(budgetBytes int64, loader Loader, logger *logging.Logger) *ModelCache {
	if logger == nil {
		logger = logging.Default()
	}
	return &ModelCache{
		entries:     make(map[ModelKey]*cacheEntry),
		draining:    make(map[*cacheEntry]struct{}),
		budget:      budgetBytes,
		loader:      loader,
		loadTimeout: DefaultLoadTimeout,
		now:         time.Now,
		logger:      logger.Component("cache"),
	}
}

// SetClock replaces the access clock.
func (mc *ModelCache) SetClock(now func() time.Time) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.now = now
}

// SetLoadTimeout bounds each shared load. Non-positive values restore the default.
func (mc *ModelCache) SetLoadTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultLoadTimeout
	}
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.loadTimeout = d
}

// SetObserver installs fn as the event observer.
func (mc *ModelCache) SetObserver(fn CacheObserver) {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.observer = fn
}

func (mc *ModelCache) notify(event CacheEvent, kind api.ModelKind, size int64) {
	mc.mu.Lock()
	fn := mc.observer
	mc.mu.Unlock()
	if fn != nil {
		fn(event, kind, size)
	}
}

// Lease pins a cached model for the duration of one call.
type Lease struct {
	cache *ModelCache
	entry *cacheEntry
	once  sync.Once
	// Hit reports whether the model was already resident.
	Hit bool
}

// Model returns the leased model.
func (l *Lease) Model() *LoadedModel {
	return l.entry.model
}

// Release returns the lease. It is safe to call more than once.
func (l *Lease) Release() {
	l.once.Do(func() { l.cache.release(l.entry) })
}

// Acquire returns a lease on the installed model for kind, loading it on a miss.
func (mc *ModelCache) Acquire(ctx context.Context, kind api.ModelKind) (*Lease, error) {
	return mc.AcquireKey(ctx, ModelKey{Kind: kind})
}

// AcquireKey returns a lease on the model for key, loading it on a miss.
// Concurrent misses for the same key share a single load. The load is not
// tied to any one caller: a caller whose ctx ends stops waiting, and the
// others still get the model.
func (mc *ModelCache) AcquireKey(ctx context.Context, key ModelKey) (*Lease, error) {
	for attempt := 0; attempt < 3; attempt++ {
		if lease := mc.tryHit(key); lease != nil {
			mc.notify(CacheHit, key.Kind, lease.entry.size)
			return lease, nil
		}

		ch := mc.group.DoChan(key.String(), func() (any, error) {
			mc.mu.Lock()
			timeout := mc.loadTimeout
			mc.mu.Unlock()
			lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
			defer cancel()
			return mc.load(lctx, key)
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case r := <-ch:
			if r.Err != nil {
				return nil, r.Err
			}
			lr := r.Val.(loadResult)
			if lease := mc.leaseLoaded(lr.entry, lr.hit); lease != nil {
				return lease, nil
			}
		}
		// evicted between admission and lease
	}
	return nil, fmt.Errorf("%w: %s was evicted before it could be leased", ErrCacheFull, key)
}

func (mc *ModelCache) tryHit(key ModelKey) *Lease {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	e, ok := mc.entries[key]
	if !ok {
		return nil
	}
	e.inFlight++
	e.lastAccess = mc.now()
	mc.hits++
	return &Lease{cache: mc, entry: e, Hit: true}
}

// leaseLoaded pins an entry handed out by a shared load. It returns nil
// when the entry was removed in the meantime.
func (mc *ModelCache) leaseLoaded(e *cacheEntry, hit bool) *Lease {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	if e.removed {
		return nil
	}
	e.inFlight++
	e.lastAccess = mc.now()
	return &Lease{cache: mc, entry: e, Hit: hit}
}

type loadResult struct {
	entry *cacheEntry
	hit   bool
}

// load runs the loader and admits the result idle. Every caller sharing the
// load leases it afterwards, and the whole load counts as one lookup.
func (mc *ModelCache) load(ctx context.Context, key ModelKey) (loadResult, error) {
	mc.mu.Lock()
	if e, ok := mc.entries[key]; ok {
		mc.hits++
		mc.mu.Unlock()
		return loadResult{entry: e, hit: true}, nil
	}
	mc.misses++
	mc.mu.Unlock()
	mc.notify(CacheMiss, key.Kind, 0)

	if mc.loader == nil {
		return loadResult{}, fmt.Errorf("%w: no loader configured", ErrInferenceFailed)
	}
	m, err := mc.loader(ctx, key)
	if err != nil {
		return loadResult{}, err
	}

	e, victims, err := mc.admit(key, m)
	mc.closeAll(victims, CacheEvict)
	if err != nil {
		if cerr := m.Handle.Close(); cerr != nil {
			mc.logger.Warn("failed to close rejected model", map[string]any{"model": key.String(), "error": cerr.Error()})
		}
		mc.notify(CacheReject, key.Kind, m.SizeBytes)
		return loadResult{}, err
	}
	mc.logger.Info("model cached", map[string]any{
		"kind":    key.Kind,
		"version": m.Descriptor.Version,
		"size":    humanize.IBytes(uint64(m.SizeBytes)),
		"path":    m.Path,
	})
	return loadResult{entry: e}, nil
}

// admit inserts m only when evicting idle entries can make room; otherwise
// the cache is left untouched.
func (mc *ModelCache) admit(key ModelKey, m *LoadedModel) (*cacheEntry, []*cacheEntry, error) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	size := m.SizeBytes
	if size > mc.budget {
		mc.rejections++
		return nil, nil, fmt.Errorf("%w: %s needs %s, budget is %s", ErrEntryTooLarge, key,
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(mc.budget)))
	}

	var idle int64
	for _, e := range mc.entries {
		if e.inFlight == 0 {
			idle += e.size
		}
	}
	if pinned := mc.used - idle; pinned+size > mc.budget {
		mc.rejections++
		return nil, nil, fmt.Errorf("%w: %s of %s is in use", ErrCacheFull,
			humanize.IBytes(uint64(pinned)), humanize.IBytes(uint64(mc.budget)))
	}

	var victims []*cacheEntry
	if old, ok := mc.entries[key]; ok {
		if v := mc.retireLocked(old); v != nil {
			victims = append(victims, v)
		}
	}
	victims = append(victims, mc.evictLocked(mc.budget-size)...)

	e := &cacheEntry{key: key, model: m, size: size, lastAccess: mc.now()}
	mc.entries[key] = e
	mc.used += size
	return e, victims, nil
}

// evictLocked drops idle entries, least recently used first, until used is
// at most target or nothing idle remains.
func (mc *ModelCache) evictLocked(target int64) []*cacheEntry {
	var victims []*cacheEntry
	for mc.used > target {
		var oldest *cacheEntry
		for _, e := range mc.entries {
			if e.inFlight > 0 {
				continue
			}
			if oldest == nil || e.lastAccess.Before(oldest.lastAccess) {
				oldest = e
			}
		}
		if oldest == nil {
			break
		}
		delete(mc.entries, oldest.key)
		oldest.removed = true
		mc.used -= oldest.size
		mc.evictions++
		victims = append(victims, oldest)
	}
	return victims
}

// retireLocked removes e from the index. Idle entries are returned for
// closing; leased ones move to the draining set.
func (mc *ModelCache) retireLocked(e *cacheEntry) *cacheEntry {
	delete(mc.entries, e.key)
	e.removed = true
	if e.inFlight > 0 {
		mc.draining[e] = struct{}{}
		return nil
	}
	mc.used -= e.size
	return e
}

func (mc *ModelCache) release(e *cacheEntry) {
	mc.mu.Lock()
	e.inFlight--
	var closing *cacheEntry
	if e.removed && e.inFlight == 0 {
		if _, ok := mc.draining[e]; ok {
			delete(mc.draining, e)
			mc.used -= e.size
			closing = e
		}
	}
	mc.mu.Unlock()
	if closing != nil {
		mc.closeAll([]*cacheEntry{closing}, "")
	}
}

func (mc *ModelCache) closeAll(entries []*cacheEntry, event CacheEvent) {
	for _, e := range entries {
		if err := e.model.Handle.Close(); err != nil {
			mc.logger.Warn("failed to close model", map[string]any{"model": e.key.String(), "error": err.Error()})
		}
		if event != "" {
			mc.logger.Debug("model evicted", map[string]any{"model": e.key.String(), "size": humanize.IBytes(uint64(e.size))})
			mc.notify(event, e.key.Kind, e.size)
		}
	}
}

// EvictTo drops idle entries until at most target bytes are in use and
// returns how many were dropped.
func (mc *ModelCache) EvictTo(target int64) int {
	mc.mu.Lock()
	victims := mc.evictLocked(target)
	mc.mu.Unlock()
	mc.closeAll(victims, CacheEvict)
	return len(victims)
}

// Invalidate removes every version of kind so the next call reloads it.
func (mc *ModelCache) Invalidate(kind api.ModelKind) bool {
	mc.mu.Lock()
	var victims []*cacheEntry
	found := false
	for key, e := range mc.entries {
		if key.Kind != kind {
			continue
		}
		found = true
		if v := mc.retireLocked(e); v != nil {
			victims = append(victims, v)
		}
	}
	mc.mu.Unlock()
	mc.closeAll(victims, "")
	if found {
		mc.logger.Info("model invalidated", map[string]any{"kind": kind})
	}
	return found
}

// Clear removes every entry and returns how many were removed.
func (mc *ModelCache) Clear() int {
	mc.mu.Lock()
	var victims []*cacheEntry
	n := len(mc.entries)
	for _, e := range mc.entries {
		if v := mc.retireLocked(e); v != nil {
			victims = append(victims, v)
		}
	}
	draining := len(mc.draining)
	mc.mu.Unlock()

	mc.closeAll(victims, "")
	if n > 0 {
		mc.logger.Info("cache cleared", map[string]any{"removed": n, "draining": draining})
	}
	return n
}

// Contains reports whether the installed model for kind is resident.
func (mc *ModelCache) Contains(kind api.ModelKind) bool {
	return mc.ContainsKey(ModelKey{Kind: kind})
}

// ContainsKey reports whether key is resident.
func (mc *ModelCache) ContainsKey(key ModelKey) bool {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	_, ok := mc.entries[key]
	return ok
}

// UsedBytes returns the bytes held, including draining entries.
func (mc *ModelCache) UsedBytes() int64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.used
}

// BudgetBytes returns the configured budget.
func (mc *ModelCache) BudgetBytes() int64 {
	return mc.budget
}

// CachedModel describes one resident entry.
type CachedModel struct {
	Kind        api.ModelKind `json:"kind"`
	Version     string        `json:"version"`
	SizeBytes   int64         `json:"size_bytes"`
	InFlight    int           `json:"in_flight"`
	LastAccess  time.Time     `json:"last_access"`
	Accelerated bool          `json:"hardware_accelerated"`
}

// CacheStats is a point-in-time view of the cache.
type CacheStats struct {
	Models      []CachedModel `json:"models"`
	Draining    int           `json:"draining"`
	UsedBytes   int64         `json:"used_bytes"`
	BudgetBytes int64         `json:"budget_bytes"`
	Hits        uint64        `json:"hits"`
	Misses      uint64        `json:"misses"`
	Evictions   uint64        `json:"evictions"`
	Rejections  uint64        `json:"rejections"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s CacheStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// String summarises usage for logs and the CLI.
func (s CacheStats) String() string {
	return fmt.Sprintf("%d models, %s / %s, hit rate %.0f%%",
		len(s.Models), humanize.IBytes(uint64(s.UsedBytes)), humanize.IBytes(uint64(s.BudgetBytes)), s.HitRate()*100)
}

// Stats returns cache statistics.
func (mc *ModelCache) Stats() CacheStats {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	stats := CacheStats{
		Draining:    len(mc.draining),
		UsedBytes:   mc.used,
		BudgetBytes: mc.budget,
		Hits:        mc.hits,
		Misses:      mc.misses,
		Evictions:   mc.evictions,
		Rejections:  mc.rejections,
	}
	for _, e := range mc.entries {
		stats.Models = append(stats.Models, CachedModel{
			Kind:        e.key.Kind,
			Version:     e.model.Descriptor.Version,
			SizeBytes:   e.size,
			InFlight:    e.inFlight,
			LastAccess:  e.lastAccess,
			Accelerated: e.model.Accelerated(),
		})
	}
	sort.Slice(stats.Models, func(i, j int) bool {
		a, b := stats.Models[i], stats.Models[j]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Version < b.Version
	})
	return stats
}
