// Package pending implements the durable per-list store of administrative
// requests awaiting a moderator's decision: held postings, subscription
// requests, and unsubscription requests.
//
// The store is only safe to mutate while the owning list's lock is held.
// That is a caller obligation, not something enforced here: every process
// that opens a list acquires its lock before touching this store.
package pending

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ignite/listd/internal/snapshot"
)

// Kind identifies the type of a pending request.
type Kind string

const (
	KindHeldMessage    Kind = "post"
	KindSubscription   Kind = "subscribe"
	KindUnsubscription Kind = "unsubscribe"
)

// Decision is a moderator's verdict on a pending request.
type Decision int

const (
	Defer Decision = iota
	Approve
	Reject
	Discard
)

// Status is the outcome of resolving a request. All statuses except
// StatusDeferred are terminal: the record has been removed from the store.
type Status int

const (
	StatusDeferred Status = iota
	StatusApproved
	StatusRejected
	StatusDiscarded
	// StatusLost means the held message's body file vanished out from
	// under a pending decision; the record is removed and the event
	// logged, but it is not an error.
	StatusLost
)

func (s Status) String() string {
	switch s {
	case StatusDeferred:
		return "deferred"
	case StatusApproved:
		return "approved"
	case StatusRejected:
		return "rejected"
	case StatusDiscarded:
		return "discarded"
	case StatusLost:
		return "lost"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

var (
	// ErrUnknownRequest is returned for an id that is not in the store,
	// typically because it was already resolved. Resolution is not
	// idempotent by design: a second resolve of the same id is a caller
	// bug, not a no-op.
	ErrUnknownRequest = errors.New("pending: unknown request id")

	// ErrCorrupt wraps snapshot.ErrCorrupt: both generations of the
	// request database failed to load and the list needs manual repair.
	ErrCorrupt = errors.New("pending: request database corrupt")

	// ErrBadDecision is returned for a decision value outside the
	// defined set.
	ErrBadDecision = errors.New("pending: invalid decision")
)

// HeldMessage is the payload of a held-posting request. The message body
// lives in its own file under the list's data directory; BodyFile is its
// name relative to that directory.
type HeldMessage struct {
	Sender   string            `json:"sender"`
	Subject  string            `json:"subject"`
	Reason   string            `json:"reason"`
	BodyFile string            `json:"body_file"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Subscription is the payload of a held subscription request.
type Subscription struct {
	Address    string `json:"address"`
	Fullname   string `json:"fullname,omitempty"`
	Password   string `json:"password"`
	Digest     bool   `json:"digest"`
	Language   string `json:"language,omitempty"`
	Invitation bool   `json:"invitation,omitempty"`
}

// Unsubscription is the payload of a held unsubscription request.
type Unsubscription struct {
	Address string `json:"address"`
}

// Request is one pending administrative request. Exactly one payload field
// is set, matching Kind.
type Request struct {
	ID        int             `json:"id"`
	Kind      Kind            `json:"kind"`
	CreatedAt time.Time       `json:"created_at"`
	Held      *HeldMessage    `json:"held,omitempty"`
	Sub       *Subscription   `json:"subscription,omitempty"`
	Unsub     *Unsubscription `json:"unsubscription,omitempty"`
}

// ResolveOptions carries the optional knobs of a moderator decision.
type ResolveOptions struct {
	// Comment is included in the rejection notice sent to the requester.
	Comment string
	// Preserve keeps a held message's body file on disk for the site
	// administrator even after a terminal resolution.
	Preserve bool
	// Forward sends a copy of a held message to ForwardTo alongside the
	// decision.
	Forward   bool
	ForwardTo string
}

// Effects receives the side effects of resolving a request. The store never
// sends mail or mutates membership itself; the list layer supplies an
// implementation and the out-of-scope delivery machinery does the rest.
type Effects interface {
	// Reinject puts an approved held message back into the delivery
	// pipeline.
	Reinject(req *Request, body []byte) error
	// Refuse sends a rejection notice for the request, carrying the
	// moderator's comment (or a default notice).
	Refuse(req *Request, comment string) error
	// Forward sends a copy of a held message to an explicit address.
	Forward(req *Request, body []byte, to string) error
	// Subscribe applies an approved subscription.
	Subscribe(sub Subscription) error
	// Unsubscribe applies an approved unsubscription.
	Unsubscribe(address string) error
}

// Store is the pending-request database for one list, persisted as a single
// snapshot under the list's data directory.
type Store struct {
	listName string
	dir      string
	requests map[int]*Request
	nextID   int
}

type storeState struct {
	NextID   int        `json:"next_id"`
	Requests []*Request `json:"requests"`
}

const snapshotName = "requests.json"

// Open loads (or initializes) the pending-request store for the named list
// rooted at dir. The caller must hold the list's lock.
func Open(listName, dir string) (*Store, error) {
	s := &Store{
		listName: listName,
		dir:      dir,
		requests: make(map[int]*Request),
		nextID:   1,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

// ListName returns the owning list's internal name.
func (s *Store) ListName() string { return s.listName }

// Len returns the number of outstanding requests.
func (s *Store) Len() int { return len(s.requests) }

// HoldMessage persists body to its own file, records a held-message request,
// and returns its id. Ids are strictly increasing for the life of the list
// and never reused while a request is outstanding.
func (s *Store) HoldMessage(body []byte, sender, subject, reason string, metadata map[string]string) (int, error) {
	id := s.nextID
	name := fmt.Sprintf("heldmsg-%s-%d.eml", s.listName, id)
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, body, 0660); err != nil {
		return 0, fmt.Errorf("pending: writing held message: %w", err)
	}

	// Copy metadata so later caller mutations cannot corrupt the record.
	var md map[string]string
	if len(metadata) > 0 {
		md = make(map[string]string, len(metadata))
		for k, v := range metadata {
			md[k] = v
		}
	}
	req := &Request{
		ID:        id,
		Kind:      KindHeldMessage,
		CreatedAt: time.Now().UTC(),
		Held: &HeldMessage{
			Sender:   sender,
			Subject:  subject,
			Reason:   reason,
			BodyFile: name,
			Metadata: md,
		},
	}
	if err := s.insert(req); err != nil {
		os.Remove(path)
		return 0, err
	}
	return id, nil
}

// HoldSubscription records a subscription request and returns its id.
func (s *Store) HoldSubscription(sub Subscription) (int, error) {
	req := &Request{
		ID:        s.nextID,
		Kind:      KindSubscription,
		CreatedAt: time.Now().UTC(),
		Sub:       &sub,
	}
	if err := s.insert(req); err != nil {
		return 0, err
	}
	return req.ID, nil
}

// HoldUnsubscription records an unsubscription request and returns its id.
func (s *Store) HoldUnsubscription(address string) (int, error) {
	req := &Request{
		ID:        s.nextID,
		Kind:      KindUnsubscription,
		CreatedAt: time.Now().UTC(),
		Unsub:     &Unsubscription{Address: address},
	}
	if err := s.insert(req); err != nil {
		return 0, err
	}
	return req.ID, nil
}

func (s *Store) insert(req *Request) error {
	s.requests[req.ID] = req
	s.nextID++
	if err := s.Save(); err != nil {
		delete(s.requests, req.ID)
		s.nextID--
		return err
	}
	return nil
}

// GetRecord returns the request with the given id.
func (s *Store) GetRecord(id int) (*Request, bool) {
	req, ok := s.requests[id]
	return req, ok
}

// ListIds returns the outstanding ids of the given kind in ascending order.
// Ids are monotonic, so ascending id order is creation order.
func (s *Store) ListIds(kind Kind) []int {
	ids := make([]int, 0, len(s.requests))
	for id, req := range s.requests {
		if req.Kind == kind {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)
	return ids
}

// HeldBodyPath returns the absolute path of a held message's body file.
func (s *Store) HeldBodyPath(req *Request) string {
	return filepath.Join(s.dir, req.Held.BodyFile)
}

// Resolve applies a moderator decision to the request with the given id.
// Terminal statuses remove the record; StatusDeferred leaves it untouched.
// Resolving an absent id fails with ErrUnknownRequest.
func (s *Store) Resolve(id int, d Decision, opts ResolveOptions, fx Effects) (Status, error) {
	req, ok := s.requests[id]
	if !ok {
		return 0, ErrUnknownRequest
	}

	var status Status
	var err error
	switch req.Kind {
	case KindHeldMessage:
		status, err = s.resolveHeld(req, d, opts, fx)
	case KindSubscription:
		status, err = s.resolveSubscription(req, d, opts, fx)
	case KindUnsubscription:
		status, err = s.resolveUnsubscription(req, d, opts, fx)
	default:
		return 0, fmt.Errorf("pending: request %d has unknown kind %q", id, req.Kind)
	}
	if err != nil {
		return 0, err
	}
	if status == StatusDeferred {
		return status, nil
	}

	delete(s.requests, id)
	if err := s.Save(); err != nil {
		return 0, err
	}
	return status, nil
}

func (s *Store) resolveHeld(req *Request, d Decision, opts ResolveOptions, fx Effects) (Status, error) {
	if d == Defer {
		return StatusDeferred, nil
	}

	bodyPath := s.HeldBodyPath(req)
	body, readErr := os.ReadFile(bodyPath)
	if readErr != nil && !os.IsNotExist(readErr) {
		return 0, fmt.Errorf("pending: reading held message %d: %w", req.ID, readErr)
	}

	if opts.Forward && opts.ForwardTo != "" && readErr == nil {
		if err := fx.Forward(req, body, opts.ForwardTo); err != nil {
			return 0, err
		}
	}

	switch d {
	case Approve:
		if readErr != nil {
			// The body file vanished, likely a disk cleanup racing
			// a pending decision. The moderator just sees the item
			// disappear.
			log.Printf("pending: lost heldmsg %s/%d (%s)", s.listName, req.ID, req.Held.BodyFile)
			return StatusLost, nil
		}
		if err := fx.Reinject(req, body); err != nil {
			return 0, err
		}
		s.disposeBody(bodyPath, opts)
		return StatusApproved, nil
	case Reject:
		if err := fx.Refuse(req, opts.Comment); err != nil {
			return 0, err
		}
		s.disposeBody(bodyPath, opts)
		return StatusRejected, nil
	case Discard:
		// No notice to the sender, ever.
		s.disposeBody(bodyPath, opts)
		return StatusDiscarded, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrBadDecision, int(d))
}

// disposeBody deletes a resolved message's body file unless the moderator
// asked to preserve it for the site administrator.
func (s *Store) disposeBody(path string, opts ResolveOptions) {
	if opts.Preserve {
		return
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Printf("pending: removing %s: %v", path, err)
	}
}

func (s *Store) resolveSubscription(req *Request, d Decision, opts ResolveOptions, fx Effects) (Status, error) {
	switch d {
	case Defer:
		return StatusDeferred, nil
	case Approve:
		if err := fx.Subscribe(*req.Sub); err != nil {
			return 0, err
		}
		return StatusApproved, nil
	case Reject:
		if err := fx.Refuse(req, opts.Comment); err != nil {
			return 0, err
		}
		return StatusRejected, nil
	case Discard:
		return StatusDiscarded, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrBadDecision, int(d))
}

func (s *Store) resolveUnsubscription(req *Request, d Decision, opts ResolveOptions, fx Effects) (Status, error) {
	switch d {
	case Defer:
		return StatusDeferred, nil
	case Approve:
		if err := fx.Unsubscribe(req.Unsub.Address); err != nil {
			return 0, err
		}
		return StatusApproved, nil
	case Reject:
		if err := fx.Refuse(req, opts.Comment); err != nil {
			return 0, err
		}
		return StatusRejected, nil
	case Discard:
		return StatusDiscarded, nil
	}
	return 0, fmt.Errorf("%w: %d", ErrBadDecision, int(d))
}

// Save snapshots the store. The id counter is persisted with the records so
// ids stay monotonic across process restarts.
func (s *Store) Save() error {
	state := storeState{NextID: s.nextID, Requests: make([]*Request, 0, len(s.requests))}
	for _, id := range s.allIds() {
		state.Requests = append(state.Requests, s.requests[id])
	}
	if err := snapshot.Save(s.snapshotPath(), state, 0660); err != nil {
		return fmt.Errorf("pending: saving %s: %w", s.listName, err)
	}
	return nil
}

func (s *Store) allIds() []int {
	ids := make([]int, 0, len(s.requests))
	for id := range s.requests {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

func (s *Store) snapshotPath() string {
	return filepath.Join(s.dir, snapshotName)
}

func (s *Store) load() error {
	var state storeState
	served, err := snapshot.Load(s.snapshotPath(), &state)
	switch {
	case err == nil:
		if served != s.snapshotPath() {
			log.Printf("pending: %s: primary snapshot unusable, loaded backup %s", s.listName, served)
		}
	case errors.Is(err, os.ErrNotExist):
		// Fresh list, empty store.
		return nil
	case errors.Is(err, snapshot.ErrCorrupt):
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, s.listName, err)
	default:
		return fmt.Errorf("pending: loading %s: %w", s.listName, err)
	}

	maxID := 0
	for _, req := range state.Requests {
		if !s.valid(req) {
			log.Printf("pending: %s: dropping invalid record: %+v", s.listName, req)
			continue
		}
		s.requests[req.ID] = req
		if req.ID > maxID {
			maxID = req.ID
		}
	}
	s.nextID = state.NextID
	if s.nextID <= maxID {
		s.nextID = maxID + 1
	}
	if s.nextID < 1 {
		s.nextID = 1
	}
	return nil
}

// valid is a best-effort structural check applied at load time. Bad entries
// are dropped and logged rather than failing the whole database.
func (s *Store) valid(req *Request) bool {
	if req == nil || req.ID <= 0 || req.CreatedAt.IsZero() {
		return false
	}
	switch req.Kind {
	case KindHeldMessage:
		return req.Held != nil && req.Held.BodyFile != ""
	case KindSubscription:
		return req.Sub != nil && req.Sub.Address != ""
	case KindUnsubscription:
		return req.Unsub != nil && req.Unsub.Address != ""
	}
	return false
}
