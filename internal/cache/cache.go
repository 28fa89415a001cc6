// Package cache implements C2: the in-memory Document cache with
// load-on-first-join / save-on-interval / save-on-last-leave semantics
// (spec §4.2). Each room's Document is owned by exactly one cacheEntry;
// apply/encode/save/destroy for that room are mutually serialized through
// the entry's mutex, the "per-room single-writer discipline" of spec §5
// and §9 — a mutex rather than an actor mailbox, matching the simpler of
// the two options the design notes offer.
package cache

import (
	"sync"
	"time"

	"github.com/psds-microservice/whiteboard-hub/internal/document"
	"github.com/psds-microservice/whiteboard-hub/internal/repository"
	"go.uber.org/zap"
)

// Cache maps room id to Document + lifecycle metadata.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*cacheEntry

	repo             repository.Repository
	log              *zap.Logger
	snapshotInterval time.Duration
	snapshotKeep     int
	idleDestroyGrace time.Duration
}

type cacheEntry struct {
	mu sync.Mutex // serializes apply/encode/save/destroy for this room

	roomID        string
	doc           *document.Document
	attachedCount int
	dirty         bool
	lastSaveAt    time.Time
	saving        bool // a save for this room is already in flight; skip re-entrant ticks

	saveTimer    *time.Timer
	destroyTimer *time.Timer
	destroyed    bool
}

// New creates a Document cache backed by repo.
func New(repo repository.Repository, log *zap.Logger, snapshotInterval time.Duration, snapshotKeep int, idleDestroyGrace time.Duration) *Cache {
	return &Cache{
		entries:          make(map[string]*cacheEntry),
		repo:             repo,
		log:              log,
		snapshotInterval: snapshotInterval,
		snapshotKeep:     snapshotKeep,
		idleDestroyGrace: idleDestroyGrace,
	}
}

// Acquire ensures a Document for roomID is loaded, creating and seeding it
// from the newest persisted snapshot on first use, and increments the
// attached count. Every call increments the count: repeated acquires are
// not deduplicated per caller, and each must be balanced by its own
// Release.
func (c *Cache) Acquire(roomID string) error {
	c.mu.Lock()
	entry, ok := c.entries[roomID]
	if !ok {
		entry = &cacheEntry{roomID: roomID, doc: document.New()}
		c.entries[roomID] = entry
	}
	c.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if !ok {
		snap, err := c.repo.NewestSnapshot(roomID)
		if err != nil {
			c.mu.Lock()
			delete(c.entries, roomID)
			c.mu.Unlock()
			return err
		}
		if snap != nil {
			if err := entry.doc.LoadFull(snap.Payload); err != nil {
				c.log.Warn("failed to load snapshot, starting empty", zap.String("room_id", roomID), zap.Error(err))
			}
		}
		c.scheduleSave(entry)
	}

	if entry.destroyTimer != nil {
		entry.destroyTimer.Stop()
		entry.destroyTimer = nil
	}
	entry.attachedCount++
	return nil
}

// Release decrements the attached count. At zero it schedules a final
// save-and-destroy after the configured grace delay; a subsequent
// Acquire before the delay elapses cancels the destroy.
func (c *Cache) Release(roomID string) {
	c.mu.Lock()
	entry, ok := c.entries[roomID]
	c.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	if entry.attachedCount > 0 {
		entry.attachedCount--
	}
	reachedZero := entry.attachedCount == 0
	var timer *time.Timer
	if reachedZero && !entry.destroyed {
		timer = time.AfterFunc(c.idleDestroyGrace, func() { c.destroy(roomID) })
		entry.destroyTimer = timer
	}
	entry.mu.Unlock()
}

// ApplyUpdate feeds payload to the room's Document. Returns false if no
// Document is present for roomID (the caller should treat this as a
// programmer error — apply_update is only called after a successful
// Acquire).
func (c *Cache) ApplyUpdate(roomID string, payload []byte) (bool, error) {
	c.mu.Lock()
	entry, ok := c.entries[roomID]
	c.mu.Unlock()
	if !ok {
		return false, nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if err := entry.doc.Apply(payload); err != nil {
		return true, err
	}
	entry.dirty = true
	return true, nil
}

// EncodeFull serializes the current state of roomID's Document.
func (c *Cache) EncodeFull(roomID string) ([]byte, bool) {
	c.mu.Lock()
	entry, ok := c.entries[roomID]
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	full, err := entry.doc.EncodeFull()
	if err != nil {
		return nil, false
	}
	return full, true
}

// Save writes a new snapshot if the room's Document is dirty, then prunes
// old snapshots. A save already in flight for the same room is skipped
// (spec §5: "periodic save ... is skipped if a prior run is still in
// flight for the same room").
func (c *Cache) Save(roomID string) error {
	c.mu.Lock()
	entry, ok := c.entries[roomID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.saveEntry(entry)
}

func (c *Cache) saveEntry(entry *cacheEntry) error {
	entry.mu.Lock()
	if entry.saving || !entry.dirty {
		entry.mu.Unlock()
		return nil
	}
	entry.saving = true
	full, err := entry.doc.EncodeFull()
	if err != nil {
		entry.saving = false
		entry.mu.Unlock()
		return err
	}
	sv, err := entry.doc.EncodeStateVector()
	if err != nil {
		entry.saving = false
		entry.mu.Unlock()
		return err
	}
	roomID := entry.roomID
	entry.mu.Unlock()

	_, err = c.repo.WriteSnapshot(roomID, full, sv)
	saveErr := err
	if saveErr == nil {
		saveErr = c.repo.PruneSnapshots(roomID, c.snapshotKeep)
	}

	entry.mu.Lock()
	entry.saving = false
	if saveErr == nil {
		entry.dirty = false
		entry.lastSaveAt = time.Now()
	}
	entry.mu.Unlock()
	return saveErr
}

func (c *Cache) scheduleSave(entry *cacheEntry) {
	entry.saveTimer = time.AfterFunc(c.snapshotInterval, func() { c.tick(entry.roomID) })
}

func (c *Cache) tick(roomID string) {
	c.mu.Lock()
	entry, ok := c.entries[roomID]
	c.mu.Unlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	if entry.destroyed {
		entry.mu.Unlock()
		return
	}
	entry.mu.Unlock()

	if err := c.saveEntry(entry); err != nil {
		c.log.Warn("periodic save failed", zap.String("room_id", roomID), zap.Error(err))
	}

	entry.mu.Lock()
	if !entry.destroyed {
		entry.saveTimer = time.AfterFunc(c.snapshotInterval, func() { c.tick(roomID) })
	}
	entry.mu.Unlock()
}

func (c *Cache) destroy(roomID string) {
	c.mu.Lock()
	entry, ok := c.entries[roomID]
	c.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	if entry.attachedCount > 0 {
		// A session reattached between the timer firing and this running;
		// the Acquire path already cleared destroyTimer, but guard anyway.
		entry.mu.Unlock()
		return
	}
	entry.mu.Unlock()

	if err := c.saveEntry(entry); err != nil {
		c.log.Warn("final save before destroy failed", zap.String("room_id", roomID), zap.Error(err))
	}

	entry.mu.Lock()
	entry.destroyed = true
	if entry.saveTimer != nil {
		entry.saveTimer.Stop()
	}
	entry.mu.Unlock()

	c.mu.Lock()
	if e, ok := c.entries[roomID]; ok && e == entry {
		delete(c.entries, roomID)
	}
	c.mu.Unlock()
}

// AttachedCount reports the current attached session count for roomID
// (testable property §8 invariant 2).
func (c *Cache) AttachedCount(roomID string) int {
	c.mu.Lock()
	entry, ok := c.entries[roomID]
	c.mu.Unlock()
	if !ok {
		return 0
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.attachedCount
}

// SaveAll flushes every dirty Document, for graceful shutdown (spec §4.6).
func (c *Cache) SaveAll() {
	c.mu.Lock()
	entries := make([]*cacheEntry, 0, len(c.entries))
	for _, e := range c.entries {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	for _, e := range entries {
		if err := c.saveEntry(e); err != nil {
			c.log.Warn("shutdown save failed", zap.String("room_id", e.roomID), zap.Error(err))
		}
	}
}
