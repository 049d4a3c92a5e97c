package list

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ignite/listd/internal/lockfile"
	"github.com/ignite/listd/internal/moderation"
	"github.com/ignite/listd/internal/pending"
	"github.com/ignite/listd/internal/snapshot"
)

// listNameRE constrains list names to what is safe in both an email
// local-part and a directory name.
var listNameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// Registry opens lists by name. Each list lives in <ListsDir>/<name>/; its
// lock lives in LockDir so locks can sit on local disk while list data sits
// on the shared volume.
type Registry struct {
	ListsDir     string
	LockDir      string
	LockLifetime time.Duration
	SiteName     string
}

// NewRegistry returns a registry over the given roots. A zero lifetime uses
// the lock package default.
func NewRegistry(listsDir, lockDir, siteName string, lockLifetime time.Duration) *Registry {
	if lockLifetime <= 0 {
		lockLifetime = lockfile.DefaultLifetime
	}
	return &Registry{
		ListsDir:     listsDir,
		LockDir:      lockDir,
		LockLifetime: lockLifetime,
		SiteName:     siteName,
	}
}

// Names returns the names of all lists on the site, sorted.
func (r *Registry) Names() ([]string, error) {
	entries, err := os.ReadDir(r.ListsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list: scanning %s: %w", r.ListsDir, err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(r.ListsDir, e.Name(), configName)); err == nil {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Exists reports whether the named list exists.
func (r *Registry) Exists(name string) bool {
	_, err := os.Stat(filepath.Join(r.ListsDir, strings.ToLower(name), configName))
	return err == nil
}

// Open loads the named list without its lock, for read-only use. Mutating a
// list opened this way fails with ErrNotLockedForWrite.
func (r *Registry) Open(name string) (*List, error) {
	name = strings.ToLower(name)
	l := &List{
		state:    State{Name: name},
		dir:      filepath.Join(r.ListsDir, name),
		registry: r,
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	var err error
	l.requests, err = pending.Open(name, l.dir)
	if err != nil {
		return nil, err
	}
	l.confirms, err = pending.OpenConfirmations(name, l.dir)
	if err != nil {
		return nil, err
	}
	return l, nil
}

// OpenLocked acquires the list's lock and then loads it, so the state read
// is guaranteed current. The caller must Unlock when done.
func (r *Registry) OpenLocked(name string, timeout time.Duration) (*List, error) {
	name = strings.ToLower(name)
	if !r.Exists(name) {
		return nil, fmt.Errorf("%w: %s", ErrNoSuchList, name)
	}
	lock := r.listLock(name)
	if err := lock.Lock(timeout); err != nil {
		return nil, fmt.Errorf("list: locking %s: %w", name, err)
	}
	l, err := r.Open(name)
	if err != nil {
		lock.Unlock(true)
		return nil, err
	}
	l.lock = lock
	return l, nil
}

// Create makes a new list directory with an initial config snapshot. It
// runs under the site lock so two processes cannot create the same list,
// and returns the list opened and locked.
func (r *Registry) Create(name, host string, owners []string, timeout time.Duration) (*List, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if !listNameRE.MatchString(name) {
		return nil, fmt.Errorf("list: invalid list name %q", name)
	}

	site := r.SiteLock()
	if err := site.Lock(timeout); err != nil {
		return nil, fmt.Errorf("list: acquiring site lock: %w", err)
	}
	defer site.Unlock(true)

	if r.Exists(name) {
		return nil, fmt.Errorf("%w: %s", ErrListExists, name)
	}
	dir := filepath.Join(r.ListsDir, name)
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, fmt.Errorf("list: creating %s: %w", dir, err)
	}

	state := State{
		Name:                   name,
		Host:                   host,
		Owners:                 owners,
		RealName:               name,
		CreatedAt:              time.Now().UTC(),
		MemberModerationAction: moderation.ActionHold,
		GenericNonmemberAction: moderation.ActionHold,
		ForwardAutoDiscards:    true,
		Members:                make(map[string]*Member),
	}
	if err := snapshot.Save(filepath.Join(dir, configName), &state, 0660); err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("list: writing initial config for %s: %w", name, err)
	}
	log.Printf("list: created %s@%s", name, host)

	return r.OpenLocked(name, timeout)
}

// Remove deletes the named list and everything in its directory, under the
// site lock. The list must not be locked by anyone.
func (r *Registry) Remove(name string, timeout time.Duration) error {
	name = strings.ToLower(name)
	site := r.SiteLock()
	if err := site.Lock(timeout); err != nil {
		return fmt.Errorf("list: acquiring site lock: %w", err)
	}
	defer site.Unlock(true)

	if !r.Exists(name) {
		return fmt.Errorf("%w: %s", ErrNoSuchList, name)
	}
	lock := r.listLock(name)
	if err := lock.Lock(timeout); err != nil {
		return fmt.Errorf("list: locking %s for removal: %w", name, err)
	}
	defer lock.Unlock(true)

	if err := os.RemoveAll(filepath.Join(r.ListsDir, name)); err != nil {
		return fmt.Errorf("list: removing %s: %w", name, err)
	}
	log.Printf("list: removed %s", name)
	return nil
}

// SiteLock returns the lock serializing cross-list operations like creation
// and removal.
func (r *Registry) SiteLock() *lockfile.Lock {
	site := r.SiteName
	if site == "" {
		site = "site"
	}
	return lockfile.New(filepath.Join(r.LockDir, site+".lock"), r.LockLifetime)
}

func (r *Registry) listLock(name string) *lockfile.Lock {
	return lockfile.New(filepath.Join(r.LockDir, name+".lock"), r.LockLifetime)
}
