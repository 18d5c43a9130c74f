package relay

import (
	"context"
	"strings"
	"sync"

	"charrelay/internal/logging"
)

// CachedCharacterInfo is the in-process projection of a spawned character:
// the persisted record plus the runtime structures that never leave the
// process (admission queue, wide-context cursor). Built when a character
// is spawned or on warm start; discarded on removal. Never persisted.
type CachedCharacterInfo struct {
	mu        sync.Mutex
	Character *SpawnedCharacter
	Queue     *AdmissionQueue
	cursor    string // Newest history message id scanned by the freewill path
}

// Cursor returns the wide-context cursor.
func (c *CachedCharacterInfo) Cursor() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

// SetCursor records the newest scanned history message id so the next
// freewill call does not re-read old history.
func (c *CachedCharacterInfo) SetCursor(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursor = id
}

// MessagesSent returns the character's response count, used by the
// freewill fairness tie-break.
func (c *CachedCharacterInfo) MessagesSent() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Character.MessagesSent
}

// RecordResponse updates runtime state after a successful send and returns
// a snapshot for the storage collaborator.
func (c *CachedCharacterInfo) RecordResponse(callerID, responseID string) *SpawnedCharacter {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Character.LastCallerID = callerID
	c.Character.LastResponseID = responseID
	c.Character.MessagesSent++
	return c.Character.Clone()
}

// CharacterDirectory is the in-memory index of spawned characters per
// channel. Insertion order per channel is preserved so prefix matching is
// stable. Reads never block unrelated writers beyond the directory lock.
type CharacterDirectory struct {
	mu        sync.RWMutex
	byChannel map[string][]*CachedCharacterInfo
	queueCap  int
}

// NewCharacterDirectory creates an empty directory. queueCap sizes each
// character's admission queue.
func NewCharacterDirectory(queueCap int) *CharacterDirectory {
	return &CharacterDirectory{
		byChannel: make(map[string][]*CachedCharacterInfo),
		queueCap:  queueCap,
	}
}

// Add caches a spawned character and builds its runtime state. Adding a
// character id already present in the channel replaces its record but
// keeps the existing queue, so in-flight callers are not orphaned.
func (d *CharacterDirectory) Add(ch *SpawnedCharacter) *CachedCharacterInfo {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, info := range d.byChannel[ch.ChannelID] {
		if info.Character.ID == ch.ID {
			info.mu.Lock()
			info.Character = ch
			info.mu.Unlock()
			return info
		}
	}

	info := &CachedCharacterInfo{
		Character: ch,
		Queue:     NewAdmissionQueue(d.queueCap),
	}
	d.byChannel[ch.ChannelID] = append(d.byChannel[ch.ChannelID], info)
	logging.CacheDebug("directory: cached character %s (%s) in channel %s", ch.ID, ch.Name, ch.ChannelID)
	return info
}

// Remove discards a character's cached state.
func (d *CharacterDirectory) Remove(channelID, characterID string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	infos := d.byChannel[channelID]
	for i, info := range infos {
		if info.Character.ID == characterID {
			d.byChannel[channelID] = append(infos[:i], infos[i+1:]...)
			if len(d.byChannel[channelID]) == 0 {
				delete(d.byChannel, channelID)
			}
			return
		}
	}
}

// ByChannel returns the channel's cached characters in insertion order.
func (d *CharacterDirectory) ByChannel(channelID string) []*CachedCharacterInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	infos := d.byChannel[channelID]
	out := make([]*CachedCharacterInfo, len(infos))
	copy(out, infos)
	return out
}

// FindByWebhook returns the channel's character with the given webhook
// identity, or nil.
func (d *CharacterDirectory) FindByWebhook(channelID, webhookID string) *CachedCharacterInfo {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, info := range d.byChannel[channelID] {
		if info.Character.WebhookID == webhookID {
			return info
		}
	}
	return nil
}

// MatchPrefix returns the first character whose call prefix is a leading
// substring of the trimmed content, or nil. First match in insertion
// order wins.
func (d *CharacterDirectory) MatchPrefix(channelID, content string) *CachedCharacterInfo {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return nil
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, info := range d.byChannel[channelID] {
		prefix := info.Character.CallPrefix
		if prefix != "" && strings.HasPrefix(trimmed, prefix) {
			return info
		}
	}
	return nil
}

// WarmStart populates the channel's cache from storage. Characters already
// cached keep their queue and cursor.
func (d *CharacterDirectory) WarmStart(ctx context.Context, store CharacterStore, channelID string) error {
	chars, err := store.LoadSpawnedCharacters(ctx, channelID)
	if err != nil {
		return err
	}
	for _, ch := range chars {
		d.Add(ch)
	}
	if len(chars) > 0 {
		logging.Cache("directory: warm-started channel %s with %d characters", channelID, len(chars))
	}
	return nil
}

// Len returns the total number of cached characters.
func (d *CharacterDirectory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n := 0
	for _, infos := range d.byChannel {
		n += len(infos)
	}
	return n
}
