package pending

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/listd/internal/snapshot"
)

// Op identifies the operation awaiting a user's confirmation. These are
// distinct from moderator-queue kinds: confirmations are resolved by the
// requesting user clicking a mailed cookie, not by a moderator.
type Op string

const (
	OpSubscribe       Op = "S"
	OpUnsubscribe     Op = "U"
	OpChangeOfAddress Op = "C"
	OpHeldMessage     Op = "H"
	OpReEnable        Op = "E"
	OpProbeBounce     Op = "P"
)

// DefaultConfirmLifetime is how long a confirmation stays valid before it is
// evicted as stale.
const DefaultConfirmLifetime = 3 * 24 * time.Hour

const confirmSnapshotName = "confirmations.json"

// ConfirmStore tracks pending actions keyed by an opaque cookie mailed to
// the user. Like Store, it may only be mutated while the list's lock is
// held.
type ConfirmStore struct {
	listName string
	dir      string
	entries  map[string]*confirmEntry
}

type confirmEntry struct {
	Op      Op              `json:"op"`
	Payload json.RawMessage `json:"payload"`
	Evict   time.Time       `json:"evict"`
}

type confirmState struct {
	Entries map[string]*confirmEntry `json:"entries"`
}

// OpenConfirmations loads (or initializes) the confirmation store for the
// named list rooted at dir.
func OpenConfirmations(listName, dir string) (*ConfirmStore, error) {
	c := &ConfirmStore{
		listName: listName,
		dir:      dir,
		entries:  make(map[string]*confirmEntry),
	}
	var state confirmState
	_, err := snapshot.Load(c.path(), &state)
	switch {
	case err == nil:
		if state.Entries != nil {
			c.entries = state.Entries
		}
	case errors.Is(err, os.ErrNotExist):
		// Fresh store.
	case errors.Is(err, snapshot.ErrCorrupt):
		return nil, fmt.Errorf("%w: confirmations for %s: %v", ErrCorrupt, listName, err)
	default:
		return nil, fmt.Errorf("pending: loading confirmations for %s: %w", listName, err)
	}
	return c, nil
}

// Pend records a new pending operation and returns the cookie identifying
// it. lifetime <= 0 selects DefaultConfirmLifetime.
func (c *ConfirmStore) Pend(op Op, payload interface{}, lifetime time.Duration) (string, error) {
	if lifetime <= 0 {
		lifetime = DefaultConfirmLifetime
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("pending: encoding confirmation payload: %w", err)
	}
	// uuid collisions do not happen, but be anal about checking anyway.
	var cookie string
	for {
		cookie = uuid.NewString()
		if _, dup := c.entries[cookie]; !dup {
			break
		}
	}
	c.entries[cookie] = &confirmEntry{
		Op:      op,
		Payload: raw,
		Evict:   time.Now().UTC().Add(lifetime),
	}
	if err := c.save(); err != nil {
		delete(c.entries, cookie)
		return "", err
	}
	return cookie, nil
}

// Confirm returns the operation and payload for cookie, or ok == false if
// the cookie is unknown or already evicted. With expunge, the entry is also
// removed; without it, the store is read-only for this call.
func (c *ConfirmStore) Confirm(cookie string, expunge bool) (Op, json.RawMessage, bool, error) {
	entry, ok := c.entries[cookie]
	if !ok || time.Now().After(entry.Evict) {
		return "", nil, false, nil
	}
	if !expunge {
		return entry.Op, entry.Payload, true, nil
	}
	delete(c.entries, cookie)
	if err := c.save(); err != nil {
		return "", nil, false, err
	}
	return entry.Op, entry.Payload, true, nil
}

// Repend replaces the payload for an existing cookie and resets its
// eviction time.
func (c *ConfirmStore) Repend(cookie string, op Op, payload interface{}, lifetime time.Duration) error {
	if lifetime <= 0 {
		lifetime = DefaultConfirmLifetime
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("pending: encoding confirmation payload: %w", err)
	}
	c.entries[cookie] = &confirmEntry{
		Op:      op,
		Payload: raw,
		Evict:   time.Now().UTC().Add(lifetime),
	}
	return c.save()
}

// Len returns the number of live (unevicted) entries.
func (c *ConfirmStore) Len() int {
	now := time.Now()
	n := 0
	for _, e := range c.entries {
		if now.Before(e.Evict) {
			n++
		}
	}
	return n
}

// save culls stale entries and snapshots the store, mirroring the request
// database's durability discipline.
func (c *ConfirmStore) save() error {
	now := time.Now()
	for cookie, e := range c.entries {
		if now.After(e.Evict) {
			log.Printf("pending: %s: evicting stale confirmation %s (op %s)", c.listName, cookie, e.Op)
			delete(c.entries, cookie)
		}
	}
	state := confirmState{Entries: c.entries}
	if err := snapshot.Save(c.path(), state, 0660); err != nil {
		return fmt.Errorf("pending: saving confirmations for %s: %w", c.listName, err)
	}
	return nil
}

func (c *ConfirmStore) path() string {
	return filepath.Join(c.dir, confirmSnapshotName)
}
