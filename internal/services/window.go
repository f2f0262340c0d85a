package services

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"broker-api/internal/models"
	"broker-api/internal/pkg/errors"
)

var durationWindows = map[string]time.Duration{
	"10m": 10 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"3h":  3 * time.Hour,
	"6h":  6 * time.Hour,
	"12h": 12 * time.Hour,
	"1d":  24 * time.Hour,
	"3d":  3 * 24 * time.Hour,
	"7d":  7 * 24 * time.Hour,
	"30d": 30 * 24 * time.Hour,
}

// ResolveWindow returns the lookback of a named duration window.
func ResolveWindow(name string) (time.Duration, error) {
	d, ok := durationWindows[name]
	if !ok {
		return 0, errors.Invalid(fmt.Sprintf("unknown duration window %q", name))
	}
	return d, nil
}

// WindowNames lists the supported windows, shortest first.
func WindowNames() []string {
	names := make([]string, 0, len(durationWindows))
	for name := range durationWindows {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return durationWindows[names[i]] < durationWindows[names[j]]
	})
	return names
}

// AlignNow truncates now to the memo bucket it belongs to.
func AlignNow(now time.Time, granularity time.Duration) time.Time {
	if granularity <= 0 {
		return now.UTC()
	}
	return now.UTC().Truncate(granularity)
}

type statsKind string

const (
	kindSum          statsKind = "sum"
	kindGroupModel   statsKind = "models"
	kindGroupAccount statsKind = "accounts"
)

// memoKey identifies a statistics query independently of its bucket. The
// window list is normalised so that ["1d","1h"] and ["1h","1d","1h"] share
// one entry.
type memoKey struct {
	Kind       statsKind
	Type       models.InstanceType
	Windows    string
	UserID     string
	InstanceID string
}

func (k memoKey) String() string {
	return strings.Join([]string{string(k.Kind), string(k.Type), k.Windows, k.UserID, k.InstanceID}, "|")
}

// windows returns the normalised window list of the key.
func (k memoKey) windows() []string {
	if k.Windows == "" {
		return nil
	}
	return strings.Split(k.Windows, ",")
}

func computeKey(kind statsKind, q StatsQuery) (memoKey, error) {
	if !q.Type.Valid() {
		return memoKey{}, errors.Invalid("unknown usage type " + string(q.Type))
	}
	if len(q.Windows) == 0 {
		return memoKey{}, errors.Invalid("at least one duration window is required")
	}

	seen := make(map[string]struct{}, len(q.Windows))
	windows := make([]string, 0, len(q.Windows))
	for _, w := range q.Windows {
		w = strings.TrimSpace(w)
		if _, err := ResolveWindow(w); err != nil {
			return memoKey{}, err
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		windows = append(windows, w)
	}
	sort.Slice(windows, func(i, j int) bool {
		return durationWindows[windows[i]] < durationWindows[windows[j]]
	})

	return memoKey{
		Kind:       kind,
		Type:       q.Type,
		Windows:    strings.Join(windows, ","),
		UserID:     q.UserID,
		InstanceID: q.InstanceID,
	}, nil
}

type memoEntry struct {
	bucket time.Time
	value  interface{}
}

// isStale reports whether entry was computed for a bucket other than bucket.
func isStale(entry memoEntry, bucket time.Time) bool {
	return !entry.bucket.Equal(bucket)
}
