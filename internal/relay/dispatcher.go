package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"charrelay/internal/logging"
)

// Options is the flat set of tunables the engine consumes at construction
// time.
type Options struct {
	BotUserID            string
	QueueCapacity        int
	TurnPollInterval     time.Duration
	TurnWaitCeiling      time.Duration
	DefaultResponseDelay time.Duration
	BotResponseFloor     time.Duration
	HistoryFetchCount    int
	SeenChannelTTL       time.Duration
}

// Dispatcher drives the per-message control flow: block checks, watchdog,
// resolution, then one delivery task per target. Targets never block each
// other; one task's failure never reaches another.
type Dispatcher struct {
	opts     Options
	dir      *CharacterDirectory
	resolver *Resolver
	watchdog *Watchdog
	guilds   *GuildBlocklist
	backend  BackendCaller
	sender   Sender
	chars    CharacterStore
	notifier Notifier

	// seen marks channels whose characters are already warm-started.
	// TTL-evicted so a long-idle channel reloads fresh state from storage.
	seen *ExpiringCache

	wg sync.WaitGroup

	// sleep is injectable so tests skip real pacing delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDispatcher wires the engine. All collaborators are required except
// that resolver's history reader may be nil (wide context disabled).
func NewDispatcher(opts Options, dir *CharacterDirectory, resolver *Resolver, watchdog *Watchdog,
	guilds *GuildBlocklist, backend BackendCaller, sender Sender, chars CharacterStore, notifier Notifier) *Dispatcher {
	if opts.QueueCapacity <= 0 {
		opts.QueueCapacity = 5
	}
	if opts.TurnPollInterval <= 0 {
		opts.TurnPollInterval = 500 * time.Millisecond
	}
	if opts.TurnWaitCeiling <= 0 {
		opts.TurnWaitCeiling = 2 * time.Minute
	}
	if opts.BotResponseFloor <= 0 {
		opts.BotResponseFloor = 5 * time.Second
	}
	if opts.SeenChannelTTL <= 0 {
		opts.SeenChannelTTL = 10 * time.Minute
	}
	return &Dispatcher{
		opts:     opts,
		dir:      dir,
		resolver: resolver,
		watchdog: watchdog,
		guilds:   guilds,
		backend:  backend,
		sender:   sender,
		chars:    chars,
		notifier: notifier,
		seen:     NewExpiringCache("seen-channel", opts.SeenChannelTTL, nil),
		sleep:    sleepCtx,
	}
}

// SeenChannels exposes the warm-start cache so the process can run its
// sweep loop alongside the other caches.
func (d *Dispatcher) SeenChannels() *ExpiringCache {
	return d.seen
}

// HandleMessage processes one inbound message. It returns once delivery
// tasks are launched; the tasks themselves run until done or abandoned.
// Safe for concurrent use, one call per inbound event.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg *Message) {
	defer d.recover(ctx, "dispatch.handle")

	if msg == nil || msg.AuthorID == "" || msg.AuthorID == d.opts.BotUserID {
		return
	}
	if d.guilds.IsBlocked(msg.GuildID, msg.AuthorID) {
		return // Silent, by the abuse-rejection policy
	}

	verdict, until := d.watchdog.Check(ctx, msg.AuthorID)
	switch verdict {
	case VerdictBlocked:
		logging.DispatchDebug("rejected blocked user %s (until %s)", msg.AuthorID, until.Format(time.RFC3339))
		return
	case VerdictWarning:
		d.notifier.NotifyWarning(ctx, msg.AuthorID, msg.ChannelID)
	}

	if err := d.ensureChannel(ctx, msg.ChannelID); err != nil {
		d.notifier.ReportError(ctx, "dispatch.warmstart", err)
		return
	}

	targets, err := d.resolver.Resolve(ctx, msg)
	if err != nil {
		d.notifier.ReportError(ctx, "dispatch.resolve", err)
		return
	}

	for _, t := range targets {
		t := t
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			defer d.recover(ctx, "dispatch.deliver")
			d.deliver(ctx, msg, t)
		}()
	}
}

// ensureChannel warm-starts the channel's character cache on first sight.
func (d *Dispatcher) ensureChannel(ctx context.Context, channelID string) error {
	if _, ok := d.seen.Get(channelID); ok {
		return nil
	}
	if err := d.dir.WarmStart(ctx, d.chars, channelID); err != nil {
		return fmt.Errorf("warm start channel %s: %w", channelID, err)
	}
	d.seen.Put(channelID, struct{}{})
	return nil
}

// deliver runs one target end to end: admission, pacing delay, backend
// call, webhook send, state save. The queue slot is released under defer
// so a failed call never wedges the character.
func (d *Dispatcher) deliver(ctx context.Context, msg *Message, t Target) {
	info := t.Info
	ch := info.Character

	ticket, ok := info.Queue.Enqueue(msg.AuthorID)
	if !ok {
		return // Intentional backpressure: no response, no error
	}
	defer info.Queue.Release(ticket)

	if err := info.Queue.AwaitTurn(ctx, ticket, d.opts.TurnPollInterval, d.opts.TurnWaitCeiling); err != nil {
		logging.DispatchDebug("abandoned turn wait for %s: %v", ch.Name, err)
		return
	}

	if err := d.sleep(ctx, d.responseDelay(msg, ch)); err != nil {
		return
	}

	reply, err := d.backend.Respond(ctx, ch, t.Text)
	if err != nil {
		if errors.Is(err, ErrBackendNotReady) {
			// Soft failure on the interactive path only; freewill turns
			// just evaporate.
			if !t.Freewill {
				if _, serr := d.sender.Send(ctx, ch, "*"+ch.Name+" is still waking up, try again in a moment*"); serr != nil {
					d.notifier.ReportError(ctx, "dispatch.softfail", serr)
				}
			}
			return
		}
		d.notifier.ReportError(ctx, "dispatch.backend", err)
		return
	}

	msgID, err := d.sender.Send(ctx, ch, reply)
	if err != nil {
		d.notifier.ReportError(ctx, "dispatch.send", err)
		return
	}

	snapshot := info.RecordResponse(msg.AuthorID, msgID)
	if err := d.chars.SaveCharacterState(ctx, snapshot); err != nil {
		d.notifier.ReportError(ctx, "dispatch.save", err)
	}
	logging.Dispatch("character %s responded in channel %s (caller=%s)", ch.Name, ch.ChannelID, msg.AuthorID)
}

// responseDelay picks the pacing delay: the character's configured delay,
// the engine default when unset, and never below the floor for automated
// authors (bot-to-bot feedback loops).
func (d *Dispatcher) responseDelay(msg *Message, ch *SpawnedCharacter) time.Duration {
	delay := ch.ResponseDelay
	if delay <= 0 {
		delay = d.opts.DefaultResponseDelay
	}
	if msg.FromBot && delay < d.opts.BotResponseFloor {
		delay = d.opts.BotResponseFloor
	}
	return delay
}

// Wait blocks until every launched delivery task finishes. Used on
// shutdown and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) recover(ctx context.Context, scope string) {
	if r := recover(); r != nil {
		d.notifier.ReportError(ctx, scope, fmt.Errorf("panic: %v", r))
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
