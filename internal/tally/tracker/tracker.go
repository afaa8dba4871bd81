// Package tracker owns the live visitor statistics: the all-time sketch and
// membership filter, and one sketch pair per day.
//
// A Tracker is built once at startup from the persisted state (or empty),
// is mutated only through Record, and exposes its state to readers only as
// clones. Dirty scopes are written back to a blobstore.Store by Flush, and
// Aggregate folds flushed days into their week and month buckets.
//
// Locking
// =======
//
//	globalMu   the all-time sketch, the filter and their dirty flag
//	daysMu     the map of loaded day buckets (RWMutex)
//	bucket.mu  one day's sketch pair and its dirty flag
//
// Record holds globalMu and then a bucket lock; nothing takes them the other
// way round. No lock is held while talking to the store: Flush serializes
// under the lock and saves after releasing it.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/goburrow/cache"

	"tally.lopezb.com/internal/tally/bloom"
	"tally.lopezb.com/internal/tally/blobstore"
	"tally.lopezb.com/internal/tally/calendar"
	"tally.lopezb.com/internal/tally/digest"
	"tally.lopezb.com/internal/tally/hyperloglog"
)

// Store keys outside the calendar buckets.
const (
	KeyGlobalHLL    = "global:hll"
	KeyGlobalFilter = "global:filter"
	KeyIdentityMode = "meta:identity-mode"
)

// Defaults for Config.
const (
	DefaultHotDays   = 40
	DefaultCacheSize = 256
)

// ErrIdentityModeMismatch is returned by PinIdentityMode when the store was
// populated under a different identity mode.
var ErrIdentityModeMismatch = errors.New("tracker: identity mode differs from the one the store was written with")

// Config controls sketch sizing and in-memory retention.
type Config struct {
	Precision       uint8
	SparseThreshold int
	Digest          digest.Func
	Filter          bloom.Config

	// HotDays is how many days back from today a clean day bucket stays in
	// memory. Older buckets are dropped by Evict and reloaded on demand.
	HotDays int

	// CacheTTL is how long merged window counts (WAU, MAU) are reused.
	// Zero disables the cache.
	CacheTTL  time.Duration
	CacheSize int
}

func (c Config) sanitize() Config {
	if c.Precision == 0 {
		c.Precision = hyperloglog.DefaultPrecision
	}
	if c.Digest == nil {
		c.Digest = digest.Default
	}
	if c.Filter.Digest == nil {
		c.Filter.Digest = c.Digest
	}
	if c.HotDays <= 0 {
		c.HotDays = DefaultHotDays
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	return c
}

// Option configures optional Tracker behaviour.
type Option func(*Tracker)

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithPersistFailureHook registers fn to be called whenever a save fails.
func WithPersistFailureHook(fn func(key string, err error)) Option {
	return func(t *Tracker) {
		t.onPersistFailure = fn
	}
}

type dayBucket struct {
	mu      sync.Mutex
	key     calendar.Key
	all     *hyperloglog.HLL
	fresh   *hyperloglog.HLL
	dirty   bool
	evicted bool
}

// Tracker is the in-memory statistics state. It is safe for concurrent use.
type Tracker struct {
	cfg              Config
	store            blobstore.Store
	logger           *slog.Logger
	onPersistFailure func(key string, err error)

	// flushMu serializes Flush so an older snapshot can never be saved
	// after a newer one.
	flushMu sync.Mutex

	globalMu    sync.Mutex
	global      *hyperloglog.HLL
	filter      *bloom.ScalableFilter
	globalDirty bool

	daysMu sync.RWMutex
	days   map[string]*dayBucket

	aggMu   sync.Mutex
	pending map[string]calendar.Key

	windows cache.Cache
}

// Result describes the effect of one Record call.
type Result struct {
	Day     calendar.Key
	NewUser bool
	DAU     uint64
}

// Open loads the global scope from store, or starts empty when nothing has
// been persisted yet. A persisted sketch whose precision differs from
// cfg.Precision is a configuration error.
func Open(ctx context.Context, store blobstore.Store, cfg Config, opts ...Option) (*Tracker, error) {
	t := &Tracker{
		cfg:     cfg.sanitize(),
		store:   store,
		logger:  slog.New(slog.DiscardHandler),
		days:    make(map[string]*dayBucket),
		pending: make(map[string]calendar.Key),
	}

	for _, opt := range opts {
		opt(t)
	}

	if t.cfg.CacheTTL > 0 {
		t.windows = cache.New(
			cache.WithMaximumSize(t.cfg.CacheSize),
			cache.WithExpireAfterWrite(t.cfg.CacheTTL),
		)
	}

	global, err := t.loadHLL(ctx, KeyGlobalHLL)
	if err != nil {
		return nil, err
	}

	filter, err := t.loadFilter(ctx)
	if err != nil {
		return nil, err
	}

	t.global = global
	t.filter = filter

	t.logger.Info("tracker state loaded",
		"all_time", global.Count(),
		"filter_items", filter.Count(),
		"filter_layers", len(filter.Layers()),
		"precision", global.Precision())

	return t, nil
}

func (t *Tracker) hllOpts() []hyperloglog.Option {
	return []hyperloglog.Option{
		hyperloglog.WithPrecision(t.cfg.Precision),
		hyperloglog.WithSparseThreshold(t.cfg.SparseThreshold),
		hyperloglog.WithDigest(t.cfg.Digest),
	}
}

func (t *Tracker) newHLL() *hyperloglog.HLL {
	// The precision was validated when the first sketch was built in Open.
	h, err := hyperloglog.New(t.hllOpts()...)
	if err != nil {
		panic(err)
	}
	return h
}

func (t *Tracker) loadHLL(ctx context.Context, key string) (*hyperloglog.HLL, error) {
	data, err := t.store.Load(ctx, key)
	if errors.Is(err, blobstore.ErrNotFound) {
		return hyperloglog.New(t.hllOpts()...)
	}
	if err != nil {
		return nil, fmt.Errorf("tracker: load %s: %w", key, err)
	}

	h, err := hyperloglog.Deserialize(data, t.hllOpts()...)
	if err != nil {
		return nil, fmt.Errorf("tracker: decode %s: %w", key, err)
	}

	if h.Precision() != t.cfg.Precision {
		return nil, fmt.Errorf("%w: %s has precision %d, configured %d",
			hyperloglog.ErrPrecisionMismatch, key, h.Precision(), t.cfg.Precision)
	}

	return h, nil
}

func (t *Tracker) loadFilter(ctx context.Context) (*bloom.ScalableFilter, error) {
	data, err := t.store.Load(ctx, KeyGlobalFilter)
	if errors.Is(err, blobstore.ErrNotFound) {
		return bloom.New(t.cfg.Filter), nil
	}
	if err != nil {
		return nil, fmt.Errorf("tracker: load %s: %w", KeyGlobalFilter, err)
	}

	filter, err := bloom.Load(data, t.cfg.Filter)
	if err != nil {
		return nil, fmt.Errorf("tracker: decode %s: %w", KeyGlobalFilter, err)
	}

	return filter, nil
}

// PinIdentityMode records mode in the store on first use and fails with
// ErrIdentityModeMismatch if a different mode was recorded before.
// Identifiers derived under different modes never match, so mixing them
// would count every returning user as new.
func (t *Tracker) PinIdentityMode(ctx context.Context, mode string) error {
	data, err := t.store.Load(ctx, KeyIdentityMode)
	switch {
	case errors.Is(err, blobstore.ErrNotFound):
		if err := t.store.Save(ctx, KeyIdentityMode, []byte(mode)); err != nil {
			return fmt.Errorf("tracker: save identity mode: %w", err)
		}
		t.logger.Info("identity mode pinned", "mode", mode)
		return nil

	case err != nil:
		return fmt.Errorf("tracker: load identity mode: %w", err)

	case string(data) != mode:
		return fmt.Errorf("%w: stored %q, configured %q", ErrIdentityModeMismatch, data, mode)
	}

	return nil
}

// day returns the loaded bucket for key, loading it from the store first if
// needed. The store is read with no lock held; if two callers race, the
// first to insert wins and the other's copy is discarded.
func (t *Tracker) day(ctx context.Context, key calendar.Key) (*dayBucket, error) {
	k := key.String()

	t.daysMu.RLock()
	b := t.days[k]
	t.daysMu.RUnlock()

	if b != nil {
		return b, nil
	}

	loaded, found, err := t.loadBucket(ctx, key)
	if err != nil {
		return nil, err
	}

	b = &dayBucket{key: key}
	if found {
		b.all, b.fresh = loaded.All, loaded.Fresh
	} else {
		b.all, b.fresh = t.newHLL(), t.newHLL()
	}

	t.daysMu.Lock()
	defer t.daysMu.Unlock()

	if existing := t.days[k]; existing != nil {
		return existing, nil
	}
	t.days[k] = b

	return b, nil
}

func (t *Tracker) loadBucket(ctx context.Context, key calendar.Key) (Bucket, bool, error) {
	data, err := t.store.Load(ctx, key.String())
	if errors.Is(err, blobstore.ErrNotFound) {
		return Bucket{}, false, nil
	}
	if err != nil {
		return Bucket{}, false, fmt.Errorf("tracker: load %s: %w", key, err)
	}

	b, err := DecodeBucket(data, t.hllOpts()...)
	if err != nil {
		return Bucket{}, false, fmt.Errorf("tracker: decode %s: %w", key, err)
	}

	return b, true, nil
}

// Record adds the identifier id to the global scope and to the bucket of
// day. A user is new if the global filter did not contain id before this
// call; new users are also added to the day's new-users sketch.
func (t *Tracker) Record(ctx context.Context, day calendar.Key, id []byte) (Result, error) {
	//
	// DESIGN
	// ------
	//
	// The filter is tested before it is added to, under the same lock, so two
	// concurrent first pings from one user cannot both be counted as new.
	//
	// The day bucket is fetched (and possibly loaded from the store) before
	// any lock is taken. Evict may drop it from the map in between; the
	// evicted flag catches that and the lookup is retried, so a write never
	// lands in a bucket that Flush can no longer see.
	//
	day = calendar.DayOf(day.Start)

	var b *dayBucket
	for {
		var err error
		b, err = t.day(ctx, day)
		if err != nil {
			return Result{}, err
		}

		t.globalMu.Lock()
		b.mu.Lock()
		if !b.evicted {
			break
		}
		b.mu.Unlock()
		t.globalMu.Unlock()
	}
	defer t.globalMu.Unlock()
	defer b.mu.Unlock()

	seen := t.filter.Test(id)
	if !seen {
		if _, err := t.filter.Add(id); err != nil {
			t.logger.Error("global filter rejected identifier", "error", err)
		}
		t.globalDirty = true
	}

	if t.global.Add(id) {
		t.globalDirty = true
	}

	if b.all.Add(id) {
		b.dirty = true
	}
	if !seen && b.fresh.Add(id) {
		b.dirty = true
	}

	return Result{Day: day, NewUser: !seen, DAU: b.all.Count()}, nil
}

// AllTime returns the estimated number of distinct users ever recorded.
func (t *Tracker) AllTime() uint64 {
	t.globalMu.Lock()
	defer t.globalMu.Unlock()

	return t.global.Count()
}

// Snapshot returns clones of the bucket for key, from memory if the day is
// loaded and from the store otherwise. Week and month keys always come from
// the store. The second result is false if the bucket does not exist.
func (t *Tracker) Snapshot(ctx context.Context, key calendar.Key) (Bucket, bool, error) {
	if key.Kind == calendar.Day {
		t.daysMu.RLock()
		b := t.days[key.String()]
		t.daysMu.RUnlock()

		if b != nil {
			b.mu.Lock()
			defer b.mu.Unlock()
			return Bucket{All: b.all.Clone(), Fresh: b.fresh.Clone()}, true, nil
		}
	}

	// Decoded from bytes, so already private to the caller.
	return t.loadBucket(ctx, key)
}

// Raw returns the persisted bytes under key. Only global and calendar keys
// are served.
func (t *Tracker) Raw(ctx context.Context, key string) ([]byte, error) {
	switch key {
	case KeyGlobalHLL, KeyGlobalFilter:
	default:
		if _, err := calendar.Parse(key); err != nil {
			return nil, err
		}
	}

	return t.store.Load(ctx, key)
}

// Flush writes every dirty scope to the store. A scope whose save fails is
// marked dirty again, logged and reported to the persist failure hook; the
// returned error joins all failures.
func (t *Tracker) Flush(ctx context.Context) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	var errs []error

	t.globalMu.Lock()
	var hllData, filterData []byte
	if t.globalDirty {
		hllData = t.global.Serialize()
		filterData = t.filter.Serialize()
		t.globalDirty = false
	}
	t.globalMu.Unlock()

	if hllData != nil {
		remark := func() {
			t.globalMu.Lock()
			t.globalDirty = true
			t.globalMu.Unlock()
		}

		if err := t.persist(ctx, KeyGlobalHLL, hllData); err != nil {
			remark()
			errs = append(errs, err)
		} else if err := t.persist(ctx, KeyGlobalFilter, filterData); err != nil {
			remark()
			errs = append(errs, err)
		}
	}

	t.daysMu.RLock()
	buckets := make([]*dayBucket, 0, len(t.days))
	for _, b := range t.days {
		buckets = append(buckets, b)
	}
	t.daysMu.RUnlock()

	for _, b := range buckets {
		b.mu.Lock()
		if !b.dirty {
			b.mu.Unlock()
			continue
		}
		data := EncodeBucket(Bucket{All: b.all, Fresh: b.fresh})
		b.dirty = false
		b.mu.Unlock()

		if err := t.persist(ctx, b.key.String(), data); err != nil {
			b.mu.Lock()
			b.dirty = true
			b.mu.Unlock()

			errs = append(errs, err)
			continue
		}

		t.aggMu.Lock()
		week, month := calendar.WeekOf(b.key.Start), calendar.MonthOf(b.key.Start)
		t.pending[week.String()] = week
		t.pending[month.String()] = month
		t.aggMu.Unlock()
	}

	return errors.Join(errs...)
}

func (t *Tracker) persist(ctx context.Context, key string, data []byte) error {
	if err := t.store.Save(ctx, key, data); err != nil {
		t.logger.Error("failed to persist scope", "key", key, "bytes", len(data), "error", err)
		if t.onPersistFailure != nil {
			t.onPersistFailure(key, err)
		}
		return fmt.Errorf("tracker: persist %s: %w", key, err)
	}

	return nil
}

// Aggregate rebuilds every week and month bucket touched by a day flushed
// since the last call.
func (t *Tracker) Aggregate(ctx context.Context) error {
	t.aggMu.Lock()
	pending := t.pending
	t.pending = make(map[string]calendar.Key)
	t.aggMu.Unlock()

	var errs []error

	for k, key := range pending {
		if _, err := t.Rebuild(ctx, key); err != nil {
			errs = append(errs, err)

			t.aggMu.Lock()
			t.pending[k] = key
			t.aggMu.Unlock()
		}
	}

	return errors.Join(errs...)
}

// Rebuild merges the day buckets of a week or month key and saves the
// result under key. Missing days are skipped.
func (t *Tracker) Rebuild(ctx context.Context, key calendar.Key) (BucketCounts, error) {
	if key.Kind == calendar.Day {
		return BucketCounts{}, fmt.Errorf("tracker: cannot rebuild day bucket %s", key)
	}

	merged := Bucket{All: t.newHLL(), Fresh: t.newHLL()}

	for _, d := range key.Days() {
		b, found, err := t.Snapshot(ctx, d)
		if err != nil {
			return BucketCounts{}, err
		}
		if !found {
			continue
		}

		if err := merged.All.Merge(b.All); err != nil {
			return BucketCounts{}, fmt.Errorf("tracker: rebuild %s from %s: %w", key, d, err)
		}
		if err := merged.Fresh.Merge(b.Fresh); err != nil {
			return BucketCounts{}, fmt.Errorf("tracker: rebuild %s from %s: %w", key, d, err)
		}
	}

	if err := t.persist(ctx, key.String(), EncodeBucket(merged)); err != nil {
		return BucketCounts{}, err
	}

	return merged.Counts(key.String()), nil
}

// Evict drops clean day buckets that start more than HotDays before today.
// It returns the number of buckets dropped.
func (t *Tracker) Evict(today calendar.Key) int {
	cutoff := today.AddDays(-t.cfg.HotDays).Start

	t.daysMu.Lock()
	defer t.daysMu.Unlock()

	evicted := 0
	for k, b := range t.days {
		if !b.key.Start.Before(cutoff) {
			continue
		}

		b.mu.Lock()
		if !b.dirty {
			b.evicted = true
			delete(t.days, k)
			evicted++
		}
		b.mu.Unlock()
	}

	return evicted
}

// LoadedDays returns the number of day buckets held in memory.
func (t *Tracker) LoadedDays() int {
	t.daysMu.RLock()
	defer t.daysMu.RUnlock()

	return len(t.days)
}

// Run flushes every flushEvery and aggregates (then evicts) every
// aggregateEvery until ctx is done. It then flushes and aggregates one last
// time, detached from ctx's cancellation.
func (t *Tracker) Run(ctx context.Context, flushEvery, aggregateEvery time.Duration, now func() time.Time) error {
	flushTicker := time.NewTicker(flushEvery)
	aggTicker := time.NewTicker(aggregateEvery)
	defer flushTicker.Stop()
	defer aggTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			final := context.WithoutCancel(ctx)

			flushErr := t.Flush(final)
			aggErr := t.Aggregate(final)
			if err := errors.Join(flushErr, aggErr); err != nil {
				t.logger.Error("final flush incomplete", "error", err)
			} else {
				t.logger.Info("tracker state flushed")
			}
			return nil

		case <-flushTicker.C:
			// Failures are logged and re-queued by Flush itself.
			_ = t.Flush(ctx)

		case <-aggTicker.C:
			if err := t.Aggregate(ctx); err != nil {
				t.logger.Warn("aggregation incomplete", "error", err)
			}

			if n := t.Evict(calendar.DayOf(now())); n > 0 {
				t.logger.Debug("evicted cold day buckets", "count", n, "loaded", t.LoadedDays())
			}
		}
	}
}
