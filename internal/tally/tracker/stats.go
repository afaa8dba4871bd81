package tracker

import (
	"context"
	"fmt"

	"tally.lopezb.com/internal/tally/calendar"
	"tally.lopezb.com/internal/tally/hyperloglog"
	"tally.lopezb.com/internal/tally/retention"
)

const (
	DefaultRecentDays = 14
	MaxRecentDays     = 90

	weekWindow  = 7
	monthWindow = 30
)

// RetentionOffsets are the cohort ages, in days, reported by Stats.
var RetentionOffsets = []int{1, 7, 30}

// DayStats are the counts of one day bucket.
type DayStats struct {
	Date     string `json:"date"`
	DAU      uint64 `json:"dau"`
	NewUsers uint64 `json:"newUsers"`
}

// Retention holds one estimate per cohort offset. A nil entry means the
// cohort's day has no bucket.
type Retention struct {
	D1  *retention.Result `json:"d1"`
	D7  *retention.Result `json:"d7"`
	D30 *retention.Result `json:"d30"`
}

// Stats is the read-side view served to dashboards.
type Stats struct {
	AllTime    uint64     `json:"allTime"`
	WAU        uint64     `json:"wau"`
	MAU        uint64     `json:"mau"`
	RecentDays []DayStats `json:"recentDays"`
	Retention  Retention  `json:"retention"`
}

// Stats computes the read-side view as of today. days is the number of
// recent days listed, oldest first; it is clamped to [1, MaxRecentDays].
func (t *Tracker) Stats(ctx context.Context, today calendar.Key, days int) (Stats, error) {
	today = calendar.DayOf(today.Start)

	if days <= 0 {
		days = DefaultRecentDays
	}
	if days > MaxRecentDays {
		days = MaxRecentDays
	}

	st := Stats{
		AllTime:    t.AllTime(),
		RecentDays: make([]DayStats, 0, days),
	}

	var err error

	if st.WAU, err = t.Window(ctx, today, weekWindow); err != nil {
		return Stats{}, err
	}
	if st.MAU, err = t.Window(ctx, today, monthWindow); err != nil {
		return Stats{}, err
	}

	for _, d := range calendar.LastDays(today, days) {
		ds := DayStats{Date: d.Date()}

		b, found, err := t.Snapshot(ctx, d)
		if err != nil {
			return Stats{}, err
		}
		if found {
			ds.DAU = b.All.Count()
			ds.NewUsers = b.Fresh.Count()
		}

		st.RecentDays = append(st.RecentDays, ds)
	}

	st.Retention, err = t.retention(ctx, today)
	if err != nil {
		return Stats{}, err
	}

	return st, nil
}

// Window returns the number of distinct users over the n days ending at
// today, by merging clones of the day sketches. Results are cached for
// Config.CacheTTL when the cache is enabled.
func (t *Tracker) Window(ctx context.Context, today calendar.Key, n int) (uint64, error) {
	cacheKey := fmt.Sprintf("%s/%d", today, n)

	if t.windows != nil {
		if v, ok := t.windows.GetIfPresent(cacheKey); ok {
			return v.(uint64), nil
		}
	}

	merged := t.newHLL()

	for _, d := range calendar.LastDays(today, n) {
		b, found, err := t.Snapshot(ctx, d)
		if err != nil {
			return 0, err
		}
		if !found {
			continue
		}

		if err := merged.Merge(b.All); err != nil {
			return 0, fmt.Errorf("tracker: window %s: %w", d, err)
		}
	}

	count := merged.Count()

	if t.windows != nil {
		t.windows.Put(cacheKey, count)
	}

	return count, nil
}

// retention compares each cohort (the new users of the day N days ago)
// against everyone seen today.
func (t *Tracker) retention(ctx context.Context, today calendar.Key) (Retention, error) {
	current, found, err := t.Snapshot(ctx, today)
	if err != nil {
		return Retention{}, err
	}

	returning := current.All
	if !found {
		returning = t.newHLL()
	}

	var out Retention
	slots := map[int]**retention.Result{1: &out.D1, 7: &out.D7, 30: &out.D30}

	for _, offset := range RetentionOffsets {
		r, err := t.cohortRetention(ctx, today.AddDays(-offset), returning)
		if err != nil {
			return Retention{}, err
		}
		*slots[offset] = r
	}

	return out, nil
}

func (t *Tracker) cohortRetention(ctx context.Context, day calendar.Key, returning *hyperloglog.HLL) (*retention.Result, error) {
	cohort, found, err := t.Snapshot(ctx, day)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}

	res, err := retention.Estimate(cohort.Fresh, returning)
	if err != nil {
		return nil, fmt.Errorf("tracker: retention for %s: %w", day, err)
	}

	return &res, nil
}
