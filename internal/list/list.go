// Package list holds the persistent state of one mailing list: its policy
// configuration, its membership roster, its cross-process lock, and its
// pending-request store. A list is a directory under the site's lists root;
// everything in it is mediated through the filesystem so that any process on
// any host sharing the volume sees the same list.
package list

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ignite/listd/internal/lockfile"
	"github.com/ignite/listd/internal/moderation"
	"github.com/ignite/listd/internal/pending"
	"github.com/ignite/listd/internal/snapshot"
)

var (
	ErrNoSuchList     = errors.New("list: no such list")
	ErrListExists     = errors.New("list: list already exists")
	ErrNotAMember     = errors.New("list: not a member")
	ErrAlreadyAMember = errors.New("list: already a member")

	// ErrCorruptList means neither generation of the list's config
	// snapshot could be loaded; the list needs manual repair.
	ErrCorruptList = errors.New("list: config database corrupt")

	// ErrNotLockedForWrite is returned by Save when the caller does not
	// hold the list lock.
	ErrNotLockedForWrite = errors.New("list: save requires the list lock")
)

const configName = "config.json"

// Member is one subscription on a list. The map key in State.Members is the
// lowercased address; Address preserves the case the subscriber gave us,
// which is what delivery uses.
type Member struct {
	Address   string    `json:"address"`
	Fullname  string    `json:"fullname,omitempty"`
	Password  string    `json:"password,omitempty"`
	Digest    bool      `json:"digest"`
	Moderated bool      `json:"moderated"`
	Language  string    `json:"language,omitempty"`
	JoinedAt  time.Time `json:"joined_at"`
}

// State is the persisted configuration and roster of a list, snapshotted to
// config.json in the list directory.
type State struct {
	Name      string   `json:"name"`
	Host      string   `json:"host"`
	Owners    []string `json:"owners,omitempty"`
	RealName  string   `json:"real_name,omitempty"`
	CreatedAt time.Time `json:"created_at"`

	// Moderation policy.
	DefaultMemberModeration  bool              `json:"default_member_moderation"`
	MemberModerationAction   moderation.Action `json:"member_moderation_action"`
	MemberModerationNotice   string            `json:"member_moderation_notice,omitempty"`
	AcceptTheseNonmembers    []string          `json:"accept_these_nonmembers,omitempty"`
	HoldTheseNonmembers      []string          `json:"hold_these_nonmembers,omitempty"`
	RejectTheseNonmembers    []string          `json:"reject_these_nonmembers,omitempty"`
	DiscardTheseNonmembers   []string          `json:"discard_these_nonmembers,omitempty"`
	GenericNonmemberAction   moderation.Action `json:"generic_nonmember_action"`
	NonmemberRejectionNotice string            `json:"nonmember_rejection_notice,omitempty"`
	ForwardAutoDiscards      bool              `json:"forward_auto_discards"`
	EquivalentDomains        [][]string        `json:"equivalent_domains,omitempty"`

	// Subscription policy: when true, subscription requests go through
	// the moderator queue instead of taking effect immediately.
	SubscribeApprovalRequired   bool `json:"subscribe_approval_required"`
	UnsubscribeApprovalRequired bool `json:"unsubscribe_approval_required"`

	// Members is keyed by lowercased address.
	Members map[string]*Member `json:"members"`
}

// List is an open mailing list. Mutating methods require the list lock; see
// Registry.OpenLocked.
type List struct {
	state    State
	dir      string
	lock     *lockfile.Lock
	requests *pending.Store
	confirms *pending.ConfirmStore
	registry *Registry
}

// Name returns the list's internal (lowercase) name.
func (l *List) Name() string { return l.state.Name }

// Dir returns the list's directory.
func (l *List) Dir() string { return l.dir }

// OwnerAddress returns the -owner alias all administrative mail goes to.
func (l *List) OwnerAddress() string {
	return fmt.Sprintf("%s-owner@%s", l.state.Name, l.state.Host)
}

// PostingAddress returns the address members post to.
func (l *List) PostingAddress() string {
	return fmt.Sprintf("%s@%s", l.state.Name, l.state.Host)
}

// State returns the list's configuration for inspection. Callers must not
// mutate it directly; use the mutating methods so the lock discipline holds.
func (l *List) State() *State { return &l.state }

// Requests returns the list's pending-request store.
func (l *List) Requests() *pending.Store { return l.requests }

// Confirms returns the list's user-confirmation store.
func (l *List) Confirms() *pending.ConfirmStore { return l.confirms }

// Lock returns the list's lock for refresh and handoff operations.
func (l *List) Lock() *lockfile.Lock { return l.lock }

// Locked reports whether this process currently holds the list lock. As a
// side effect the lock's heartbeat is refreshed.
func (l *List) Locked() bool {
	return l.lock != nil && l.lock.Locked()
}

// Unlock releases the list lock if held.
func (l *List) Unlock() {
	if l.lock != nil {
		l.lock.Unlock(true)
	}
}

// IsMember reports whether addr is subscribed, case-insensitively.
func (l *List) IsMember(addr string) bool {
	_, ok := l.state.Members[strings.ToLower(addr)]
	return ok
}

// GetMember returns the member record for addr.
func (l *List) GetMember(addr string) (*Member, bool) {
	m, ok := l.state.Members[strings.ToLower(addr)]
	return m, ok
}

// MemberAddresses returns the roster in sorted order.
func (l *List) MemberAddresses() []string {
	out := make([]string, 0, len(l.state.Members))
	for key := range l.state.Members {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

// FindMember resolves sender to a member key, case-insensitively and across
// the list's equivalent domain groups: carol@mail.corp.example finds the
// member carol@corp.example when the two domains are grouped.
func (l *List) FindMember(sender string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(sender))
	if key == "" {
		return "", false
	}
	if _, ok := l.state.Members[key]; ok {
		return key, true
	}
	at := strings.LastIndex(key, "@")
	if at < 0 {
		return "", false
	}
	local, domain := key[:at], key[at+1:]
	for _, group := range l.state.EquivalentDomains {
		if !containsFold(group, domain) {
			continue
		}
		for _, d := range group {
			cand := local + "@" + strings.ToLower(d)
			if cand == key {
				continue
			}
			if _, ok := l.state.Members[cand]; ok {
				return cand, true
			}
		}
	}
	return "", false
}

func containsFold(haystack []string, needle string) bool {
	for _, s := range haystack {
		if strings.EqualFold(s, needle) {
			return true
		}
	}
	return false
}

// MemberModerated reports the member's moderation flag. Unknown addresses
// are unmoderated.
func (l *List) MemberModerated(member string) bool {
	m, ok := l.state.Members[strings.ToLower(member)]
	return ok && m.Moderated
}

func (l *List) MemberModerationAction() moderation.Action {
	return l.state.MemberModerationAction
}

func (l *List) MemberModerationNotice() string {
	return l.state.MemberModerationNotice
}

// NonmemberPatterns returns the pattern list bound to one of the four
// explicit non-member actions.
func (l *List) NonmemberPatterns(action moderation.Action) []string {
	switch action {
	case moderation.ActionAccept:
		return l.state.AcceptTheseNonmembers
	case moderation.ActionHold:
		return l.state.HoldTheseNonmembers
	case moderation.ActionReject:
		return l.state.RejectTheseNonmembers
	case moderation.ActionDiscard:
		return l.state.DiscardTheseNonmembers
	}
	return nil
}

func (l *List) GenericNonmemberAction() moderation.Action {
	return l.state.GenericNonmemberAction
}

func (l *List) NonmemberRejectionNotice() string {
	return l.state.NonmemberRejectionNotice
}

func (l *List) ForwardAutoDiscards() bool {
	return l.state.ForwardAutoDiscards
}

// SiblingHasMember resolves an @listname pattern reference by opening the
// named list read-only. Unknown or unloadable lists are logged and treated
// as non-matching.
func (l *List) SiblingHasMember(listname, addr string) bool {
	if l.registry == nil {
		return false
	}
	sibling, err := l.registry.Open(listname)
	if err != nil {
		log.Printf("list: %s: cannot resolve @%s pattern: %v", l.state.Name, listname, err)
		return false
	}
	return sibling.IsMember(addr)
}

// AddMember subscribes addr. The new member inherits the list's default
// moderation flag unless the record sets it explicitly.
func (l *List) AddMember(m Member) error {
	key := strings.ToLower(strings.TrimSpace(m.Address))
	if key == "" {
		return fmt.Errorf("list: empty member address")
	}
	if _, ok := l.state.Members[key]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyAMember, key)
	}
	if m.JoinedAt.IsZero() {
		m.JoinedAt = time.Now().UTC()
	}
	if l.state.DefaultMemberModeration {
		m.Moderated = true
	}
	l.state.Members[key] = &m
	if err := l.Save(); err != nil {
		delete(l.state.Members, key)
		return err
	}
	return nil
}

// RemoveMember unsubscribes addr.
func (l *List) RemoveMember(addr string) error {
	key := strings.ToLower(strings.TrimSpace(addr))
	m, ok := l.state.Members[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAMember, key)
	}
	delete(l.state.Members, key)
	if err := l.Save(); err != nil {
		l.state.Members[key] = m
		return err
	}
	return nil
}

// SetMemberModeration flips a member's moderation flag.
func (l *List) SetMemberModeration(addr string, moderated bool) error {
	m, ok := l.state.Members[strings.ToLower(addr)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAMember, addr)
	}
	prev := m.Moderated
	m.Moderated = moderated
	if err := l.Save(); err != nil {
		m.Moderated = prev
		return err
	}
	return nil
}

// Save snapshots the list configuration. The caller must hold the list
// lock; checking it doubles as the lock heartbeat, so a long admin session
// saving periodically never goes stale.
func (l *List) Save() error {
	if !l.Locked() {
		return fmt.Errorf("%w: %s", ErrNotLockedForWrite, l.state.Name)
	}
	if err := snapshot.Save(l.configPath(), &l.state, 0660); err != nil {
		return fmt.Errorf("list: saving %s: %w", l.state.Name, err)
	}
	return nil
}

func (l *List) configPath() string {
	return filepath.Join(l.dir, configName)
}

// load reads the config snapshot, falling back to the .last generation.
func (l *List) load() error {
	served, err := snapshot.Load(l.configPath(), &l.state)
	switch {
	case err == nil:
		if served != l.configPath() {
			log.Printf("list: %s: primary config unusable, loaded backup %s", l.state.Name, served)
		}
	case errors.Is(err, os.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrNoSuchList, l.state.Name)
	case errors.Is(err, snapshot.ErrCorrupt):
		return fmt.Errorf("%w: %s: %v", ErrCorruptList, l.state.Name, err)
	default:
		return fmt.Errorf("list: loading %s: %w", l.state.Name, err)
	}
	if l.state.Members == nil {
		l.state.Members = make(map[string]*Member)
	}
	return nil
}
