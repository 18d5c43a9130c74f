package relay

import (
	"context"
	"sync"
	"time"

	"charrelay/internal/logging"
)

// Verdict is the watchdog's answer for one interaction.
type Verdict int

const (
	// VerdictPassed allows the interaction.
	VerdictPassed Verdict = iota
	// VerdictWarning allows the interaction but the user should be told
	// they are close to the limit.
	VerdictWarning
	// VerdictBlocked rejects the interaction.
	VerdictBlocked
)

func (v Verdict) String() string {
	switch v {
	case VerdictPassed:
		return "passed"
	case VerdictWarning:
		return "warning"
	case VerdictBlocked:
		return "blocked"
	default:
		return "unknown"
	}
}

// WatchdogOptions tunes the rate limiter.
type WatchdogOptions struct {
	Window         time.Duration // Rolling interaction window
	WarnThreshold  int           // Count at which Warning starts
	BlockThreshold int           // Count at which the user is blocked
	ShortBlock     time.Duration // First-offense block duration
	LongBlock      time.Duration // Repeat-offense block duration
}

type watchedUser struct {
	mu            sync.Mutex
	count         int
	windowStart   time.Time
	blockedBefore bool
}

// Watchdog is the per-user abuse rate limiter: a Passed/Warning/Blocked
// state machine over a rolling interaction window, with escalating
// persisted blocks. Counter mutations for one user are serialized on that
// user's record; different users never contend.
type Watchdog struct {
	optsMu   sync.RWMutex
	opts     WatchdogOptions
	store    BlockStore
	notifier Notifier

	usersMu sync.Mutex
	users   map[string]*watchedUser

	blockedMu sync.RWMutex
	blocked   map[string]time.Time // userID -> blocked-until

	now func() time.Time
}

// NewWatchdog creates a watchdog. Call LoadBlocked before the first
// message so the in-memory blocked set mirrors the persisted one.
func NewWatchdog(opts WatchdogOptions, store BlockStore, notifier Notifier) *Watchdog {
	if opts.Window <= 0 {
		opts.Window = 30 * time.Second
	}
	if opts.ShortBlock <= 0 {
		opts.ShortBlock = time.Hour
	}
	if opts.LongBlock <= opts.ShortBlock {
		opts.LongBlock = 24 * time.Hour
	}
	return &Watchdog{
		opts:     opts,
		store:    store,
		notifier: notifier,
		users:    make(map[string]*watchedUser),
		blocked:  make(map[string]time.Time),
		now:      time.Now,
	}
}

// SetOptions swaps the thresholds at runtime. Used by config hot reload;
// in-flight checks finish on the old values.
func (w *Watchdog) SetOptions(opts WatchdogOptions) {
	if opts.Window <= 0 {
		opts.Window = 30 * time.Second
	}
	if opts.ShortBlock <= 0 {
		opts.ShortBlock = time.Hour
	}
	if opts.LongBlock <= opts.ShortBlock {
		opts.LongBlock = 24 * time.Hour
	}
	w.optsMu.Lock()
	w.opts = opts
	w.optsMu.Unlock()
	logging.Watchdog("thresholds updated: warn=%d block=%d window=%s", opts.WarnThreshold, opts.BlockThreshold, opts.Window)
}

func (w *Watchdog) options() WatchdogOptions {
	w.optsMu.RLock()
	defer w.optsMu.RUnlock()
	return w.opts
}

// LoadBlocked rebuilds the in-memory blocked set from storage. Users found
// there also get their prior-block flag set so a repeat offense escalates.
func (w *Watchdog) LoadBlocked(ctx context.Context) error {
	rows, err := w.store.LoadBlockedUsers(ctx)
	if err != nil {
		return err
	}

	w.blockedMu.Lock()
	for _, b := range rows {
		w.blocked[b.UserID] = b.BlockedUntil
	}
	w.blockedMu.Unlock()

	w.usersMu.Lock()
	for _, b := range rows {
		w.users[b.UserID] = &watchedUser{blockedBefore: true}
	}
	w.usersMu.Unlock()

	logging.Watchdog("loaded %d persisted blocks", len(rows))
	return nil
}

// IsBlocked reports whether the user is currently in the blocked set.
func (w *Watchdog) IsBlocked(userID string) (time.Time, bool) {
	w.blockedMu.RLock()
	defer w.blockedMu.RUnlock()
	until, ok := w.blocked[userID]
	return until, ok
}

// Check evaluates one interaction. Blocked users short-circuit without
// touching their counter.
func (w *Watchdog) Check(ctx context.Context, userID string) (Verdict, time.Time) {
	if until, ok := w.IsBlocked(userID); ok {
		return VerdictBlocked, until
	}

	opts := w.options()
	u := w.record(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	now := w.now()
	if u.windowStart.IsZero() || now.Sub(u.windowStart) > opts.Window {
		u.count = 1
		u.windowStart = now
		return VerdictPassed, time.Time{}
	}

	u.count++
	switch {
	case u.count >= opts.BlockThreshold:
		until := now.Add(opts.ShortBlock)
		if u.blockedBefore {
			until = now.Add(opts.LongBlock)
		}
		u.blockedBefore = true
		w.block(ctx, userID, now, until)
		return VerdictBlocked, until
	case u.count >= opts.WarnThreshold:
		return VerdictWarning, time.Time{}
	default:
		return VerdictPassed, time.Time{}
	}
}

// block persists the new block and mirrors it in memory. Persistence
// failure is reported but does not lift the in-memory block: rejecting an
// abusive user matters more than durably recording the rejection.
func (w *Watchdog) block(ctx context.Context, userID string, at, until time.Time) {
	w.blockedMu.Lock()
	w.blocked[userID] = until
	w.blockedMu.Unlock()

	if err := w.store.AddBlockedUser(ctx, BlockedUser{UserID: userID, BlockedAt: at, BlockedUntil: until}); err != nil {
		w.notifier.ReportError(ctx, "watchdog.block", err)
	}
	w.notifier.NotifyBlocked(ctx, userID, until)
	logging.Watchdog("blocked user %s until %s", userID, until.Format(time.RFC3339))
}

// Unblock removes a user from the persisted store and the in-memory set,
// and resets their counter state so they start clean.
func (w *Watchdog) Unblock(ctx context.Context, userID string) error {
	w.blockedMu.Lock()
	delete(w.blocked, userID)
	w.blockedMu.Unlock()

	w.usersMu.Lock()
	delete(w.users, userID)
	w.usersMu.Unlock()

	if err := w.store.RemoveBlockedUser(ctx, userID); err != nil {
		return err
	}
	logging.Watchdog("unblocked user %s", userID)
	return nil
}

// ExpireBlocks removes every block whose until has elapsed. Returns the
// number lifted.
func (w *Watchdog) ExpireBlocks(ctx context.Context) int {
	now := w.now()

	w.blockedMu.Lock()
	var expired []string
	for id, until := range w.blocked {
		if until.Before(now) {
			expired = append(expired, id)
			delete(w.blocked, id)
		}
	}
	w.blockedMu.Unlock()

	for _, id := range expired {
		if err := w.store.RemoveBlockedUser(ctx, id); err != nil {
			w.notifier.ReportError(ctx, "watchdog.expire", err)
		}
	}
	if len(expired) > 0 {
		logging.Watchdog("lifted %d expired blocks", len(expired))
	}
	return len(expired)
}

// RunExpiry re-validates expired blocks on the given interval until the
// context is cancelled.
func (w *Watchdog) RunExpiry(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.ExpireBlocks(ctx)
		}
	}
}

func (w *Watchdog) record(userID string) *watchedUser {
	w.usersMu.Lock()
	defer w.usersMu.Unlock()
	u, ok := w.users[userID]
	if !ok {
		u = &watchedUser{}
		w.users[userID] = u
	}
	return u
}

// GuildBlocklist is the per-guild manual block list, checked before any
// watchdog counting happens. It is process-local state fed by moderation
// commands.
type GuildBlocklist struct {
	mu     sync.RWMutex
	guilds map[string]map[string]struct{}
}

// NewGuildBlocklist creates an empty blocklist.
func NewGuildBlocklist() *GuildBlocklist {
	return &GuildBlocklist{guilds: make(map[string]map[string]struct{})}
}

// Block adds a user to a guild's list.
func (g *GuildBlocklist) Block(guildID, userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.guilds[guildID] == nil {
		g.guilds[guildID] = make(map[string]struct{})
	}
	g.guilds[guildID][userID] = struct{}{}
}

// Unblock removes a user from a guild's list.
func (g *GuildBlocklist) Unblock(guildID, userID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.guilds[guildID], userID)
}

// IsBlocked reports whether the user is on the guild's list.
func (g *GuildBlocklist) IsBlocked(guildID, userID string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.guilds[guildID][userID]
	return ok
}
