// Package dailystat maintains one counter row per user per calendar day.
//
// Increments are read-merge-write: the current row is read, deltas are
// added and the touched counters are written back. Two increments racing on
// the same row from different processes can still lose an update; within
// one process the Serialize option queues increments per (user, day).
package dailystat

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"go.uber.org/zap"

	"github.com/abhisek/beacon/internal/store"
	"github.com/abhisek/beacon/internal/telemetry"
)

// Repo reads and writes daily stat rows. GetDailyStat returns nil, nil when
// the row does not exist.
type Repo interface {
	GetDailyStat(ctx context.Context, userID, date string) (*store.DailyStat, error)
	UpsertDailyStat(ctx context.Context, d store.DailyStat, counters ...store.Counter) error
}

// Deltas maps counters to the amount they grow by.
type Deltas map[store.Counter]int64

// Options configures an Updater.
type Options struct {
	Repo     Repo
	Identity telemetry.Identity
	Clock    quartz.Clock
	Location *time.Location // Default: time.Local
	Logger   *zap.Logger

	// Serialize queues increments for the same (user, day) inside this
	// process so they cannot overwrite each other.
	Serialize bool
}

// Updater applies counter deltas to the current user's row for today.
type Updater struct {
	repo      Repo
	identity  telemetry.Identity
	clock     quartz.Clock
	loc       *time.Location
	log       *zap.Logger
	serialize bool
	locks     keyLocks
}

// New creates an Updater.
func New(opts Options) *Updater {
	u := &Updater{
		repo:      opts.Repo,
		identity:  opts.Identity,
		clock:     opts.Clock,
		loc:       opts.Location,
		log:       opts.Logger,
		serialize: opts.Serialize,
	}
	if u.clock == nil {
		u.clock = quartz.NewReal()
	}
	if u.loc == nil {
		u.loc = time.Local
	}
	if u.log == nil {
		u.log = zap.NewNop()
	}
	u.log = u.log.Named("dailystat")
	return u
}

// Date returns today's stat date in the updater's location.
func (u *Updater) Date() string {
	return u.clock.Now("dailystat", "date").In(u.loc).Format(time.DateOnly)
}

// Increment adds deltas to today's row for the current user, creating the
// row if needed. Unknown counters and non-positive deltas are skipped.
// Failures are logged and swallowed.
func (u *Updater) Increment(ctx context.Context, deltas Deltas) {
	if u.identity == nil || u.repo == nil {
		return
	}
	userID, ok := u.identity.CurrentUser()
	if !ok {
		return
	}
	u.IncrementFor(ctx, userID, deltas)
}

// IncrementFor is Increment for an explicit user, for callers that resolve
// the user before handing the work to another goroutine.
func (u *Updater) IncrementFor(ctx context.Context, userID string, deltas Deltas) {
	if u.repo == nil || userID == "" {
		return
	}

	counters := make([]store.Counter, 0, len(deltas))
	for c, d := range deltas {
		if !c.Valid() {
			u.log.Warn("ignoring unknown counter", zap.String("counter", string(c)))
			continue
		}
		if d <= 0 {
			continue
		}
		counters = append(counters, c)
	}
	if len(counters) == 0 {
		return
	}
	sort.Slice(counters, func(i, j int) bool { return counters[i] < counters[j] })

	date := u.Date()
	if u.serialize {
		unlock := u.locks.lock(userID + "|" + date)
		defer unlock()
	}

	existing, err := u.repo.GetDailyStat(ctx, userID, date)
	if err != nil {
		u.log.Warn("read daily stat failed",
			zap.String("user_id", userID),
			zap.String("date", date),
			zap.Error(err),
		)
		return
	}

	row := store.DailyStat{UserID: userID, StatDate: date}
	if existing != nil {
		row = *existing
	}
	for _, c := range counters {
		// c is known to be valid.
		_ = row.Add(c, deltas[c])
	}

	if err := u.repo.UpsertDailyStat(ctx, row, counters...); err != nil {
		u.log.Warn("write daily stat failed",
			zap.String("user_id", userID),
			zap.String("date", date),
			zap.Error(err),
		)
		return
	}
	u.log.Debug("daily stat incremented",
		zap.String("user_id", userID),
		zap.String("date", date),
		zap.Any("deltas", deltas),
	)
}

// keyLocks hands out one mutex per key, dropping it once nobody holds it.
type keyLocks struct {
	mu sync.Mutex
	m  map[string]*keyLock
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.m == nil {
		k.m = make(map[string]*keyLock)
	}
	l := k.m[key]
	if l == nil {
		l = &keyLock{}
		k.m[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.m, key)
		}
		k.mu.Unlock()
	}
}
