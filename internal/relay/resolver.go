package relay

import (
	"context"
	"math/rand"
	"strings"

	"charrelay/internal/logging"
)

// Target is one character the dispatcher must deliver to, with the text
// the backend should see.
type Target struct {
	Info     *CachedCharacterInfo
	Text     string
	Freewill bool
}

// ResolverOptions tunes resolution.
type ResolverOptions struct {
	BotUserID         string // The bot's own user id; its messages never enter wide context
	HistoryFetchCount int    // Messages pulled per wide-context fetch
	WideContextBudget int    // Process-wide cap on per-character context budgets; 0 = no cap
}

// Resolver decides which cached characters respond to an inbound message:
// an explicit hit (reply or call prefix) plus an independent freewill
// draw, at most two targets total.
type Resolver struct {
	dir     *CharacterDirectory
	history HistoryReader
	opts    ResolverOptions

	// draw returns a uniform value in 1..100; injectable for tests. A
	// character with freewill chance c is in the running when c >= draw.
	draw func() int
}

// NewResolver creates a resolver over the directory. history may be nil
// if no character uses wide context.
func NewResolver(dir *CharacterDirectory, history HistoryReader, opts ResolverOptions) *Resolver {
	if opts.HistoryFetchCount <= 0 {
		opts.HistoryFetchCount = 30
	}
	return &Resolver{
		dir:     dir,
		history: history,
		opts:    opts,
		draw:    func() int { return rand.Intn(100) + 1 },
	}
}

// Resolve returns zero, one, or two targets for the message. "No match"
// is not an error; only unexpected collaborator failures surface, and the
// freewill path degrades to "no candidate this turn" on its own.
func (r *Resolver) Resolve(ctx context.Context, msg *Message) ([]Target, error) {
	var targets []Target

	tagged, viaPrefix := r.explicitMatch(msg)
	if tagged != nil {
		targets = append(targets, Target{
			Info: tagged,
			Text: r.taggedText(msg, tagged, viaPrefix),
		})
	}

	free := r.freewillMatch(msg, tagged)
	if free != nil {
		text, ok := r.freewillText(ctx, msg, free)
		if ok {
			targets = append(targets, Target{Info: free, Text: text, Freewill: true})
		}
	}

	return targets, nil
}

// explicitMatch finds the tagged candidate: a reply to a character's
// webhook message wins outright, otherwise the first call-prefix match.
func (r *Resolver) explicitMatch(msg *Message) (info *CachedCharacterInfo, viaPrefix bool) {
	if msg.Reference != nil {
		if hit := r.dir.FindByWebhook(msg.ChannelID, msg.Reference.AuthorID); hit != nil {
			logging.ResolverDebug("reply match: %s in channel %s", hit.Character.Name, msg.ChannelID)
			return hit, false
		}
	}
	if hit := r.dir.MatchPrefix(msg.ChannelID, msg.Content); hit != nil {
		logging.ResolverDebug("prefix match: %s (%q)", hit.Character.Name, hit.Character.CallPrefix)
		return hit, true
	}
	return nil, false
}

// freewillMatch runs the independent probability gate. Each candidate with
// a nonzero chance gets its own uniform draw; among those in the running,
// a character mentioned by name or prefix wins, otherwise the one with the
// fewest messages sent so far. The tagged candidate is never duplicated.
func (r *Resolver) freewillMatch(msg *Message, tagged *CachedCharacterInfo) *CachedCharacterInfo {
	var running []*CachedCharacterInfo
	for _, info := range r.dir.ByChannel(msg.ChannelID) {
		ch := info.Character
		if ch.FreewillChance <= 0 {
			continue
		}
		if ch.WebhookID == msg.AuthorID {
			continue // A character never freewill-answers itself
		}
		if ch.FreewillChance >= r.draw() {
			running = append(running, info)
		}
	}
	if len(running) == 0 {
		return nil
	}

	content := strings.ToLower(msg.Content)
	var pick *CachedCharacterInfo
	for _, info := range running {
		ch := info.Character
		if strings.Contains(content, strings.ToLower(ch.Name)) ||
			(ch.CallPrefix != "" && strings.Contains(content, strings.ToLower(ch.CallPrefix))) {
			pick = info
			break
		}
	}
	if pick == nil {
		pick = running[0]
		for _, info := range running[1:] {
			if info.MessagesSent() < pick.MessagesSent() {
				pick = info
			}
		}
	}

	if tagged != nil && pick == tagged {
		return nil
	}
	logging.ResolverDebug("freewill match: %s (chance=%d)", pick.Character.Name, pick.Character.FreewillChance)
	return pick
}

// taggedText builds the outbound text for an explicit hit: trim, collapse
// repeated blank lines, strip the call prefix the user typed, inline a
// short rendering of the referenced message, then apply the character's
// message format.
func (r *Resolver) taggedText(msg *Message, info *CachedCharacterInfo, viaPrefix bool) string {
	text := msg.Content
	if viaPrefix {
		text = strings.TrimPrefix(strings.TrimSpace(text), info.Character.CallPrefix)
	}
	text = collapseBlankLines(strings.TrimSpace(text))

	if ref := msg.Reference; ref != nil && ref.Content != "" {
		quoted := collapseBlankLines(strings.TrimSpace(ref.Content))
		text = "> " + ref.AuthorName + ": " + quoted + "\n" + text
	}

	return applyFormat(info.Character.MessageFormat, msg.AuthorName, text)
}

// freewillText builds the outbound text for a freewill hit. With a
// nonzero wide-context window it concatenates recent channel messages up
// to the character budget; otherwise it reuses the inbound content. The
// bool is false when the candidate must be skipped this turn.
func (r *Resolver) freewillText(ctx context.Context, msg *Message, info *CachedCharacterInfo) (string, bool) {
	budget := info.Character.WideContext
	if max := r.opts.WideContextBudget; max > 0 && budget > max {
		budget = max
	}
	if budget <= 0 || r.history == nil {
		text := collapseBlankLines(strings.TrimSpace(msg.Content))
		return applyFormat(info.Character.MessageFormat, msg.AuthorName, text), true
	}

	recent, err := r.history.FetchRecentMessages(ctx, msg.ChannelID, r.opts.HistoryFetchCount)
	if err != nil {
		// Degrade, do not fail the whole resolution.
		logging.Get(logging.CategoryResolver).Warn("history fetch failed for channel %s: %v", msg.ChannelID, err)
		return "", false
	}

	cursor := info.Cursor()
	var lines []string // Collected newest first, emitted oldest first
	used := 0
	for _, m := range recent {
		if m.ID == cursor {
			break // Everything older was already consumed last time
		}
		if m.AuthorID == r.opts.BotUserID || m.AuthorID == info.Character.WebhookID {
			continue
		}
		body := strings.TrimSpace(m.Content)
		if body == "" {
			continue
		}
		line := m.AuthorName + ": " + body
		if used+len(line) > budget {
			break
		}
		lines = append(lines, line)
		used += len(line) + 1
	}
	if len(recent) > 0 {
		info.SetCursor(recent[0].ID)
	}
	if len(lines) == 0 {
		return "", false
	}

	// Oldest first.
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return strings.Join(lines, "\n"), true
}

func applyFormat(format, user, text string) string {
	if format == "" {
		return text
	}
	out := strings.ReplaceAll(format, "{user}", user)
	return strings.ReplaceAll(out, "{message}", text)
}

// collapseBlankLines squeezes runs of blank lines down to one.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	blank := false
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
