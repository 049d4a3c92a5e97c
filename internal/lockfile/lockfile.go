// Package lockfile implements portable, NFS-safe file locking with timeouts.
//
// O_EXCL creation is not reliable on NFS, so the lock is taken by creating a
// per-process claim file next to the shared lock path and hard linking it to
// the lock path. link(2) is atomic even on NFS, and a link count of exactly 2
// observed after the attempt confirms acquisition regardless of whether the
// client and server agreed on the result of the call.
//
// Locks carry a lifetime: the maximum time the holder expects to keep the
// lock. Other processes will not break an existing lock until the lifetime
// plus a clock-skew allowance has elapsed. Too long and waiters stall behind
// a dead holder; too short and a slow-but-alive holder gets trampled.
package lockfile

import (
	"errors"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
	"sync/atomic"
	"syscall"
	"time"
)

const (
	// DefaultLifetime is the expected maximum hold duration when the
	// caller does not specify one.
	DefaultLifetime = 15 * time.Second

	// ClockSkew is added on top of the lifetime before a lock may be
	// considered stale, to tolerate clock drift between NFS clients.
	ClockSkew = 10 * time.Second
)

var (
	// ErrAlreadyLocked is returned when this object already holds the lock.
	ErrAlreadyLocked = errors.New("lockfile: already locked")

	// ErrNotLocked is returned when an operation requires the lock to be
	// held by this object and it is not.
	ErrNotLocked = errors.New("lockfile: not locked")

	// ErrTimedOut is returned when Lock gives up before acquisition.
	ErrTimedOut = errors.New("lockfile: timed out waiting for lock")
)

// serial disambiguates multiple Lock objects on the same path within one
// process: without it, locking one object would make an unrelated object on
// the same path report Locked() == true.
var serial uint64

// Lock is a cross-process mutual exclusion primitive backed by a file on a
// shared filesystem. Construction does no I/O.
type Lock struct {
	path      string
	lifetime  time.Duration
	skew      time.Duration
	claimFile string
	hostname  string
	owned     bool
	logging   bool
}

// New creates a lock on the given path. Each process laying claim to the
// lock writes its own claim file derived from the path, so all cooperating
// processes must use the same path on the same filesystem.
func New(path string, lifetime time.Duration) *Lock {
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	n := atomic.AddUint64(&serial, 1)
	return &Lock{
		path:      path,
		lifetime:  lifetime,
		skew:      ClockSkew,
		claimFile: fmt.Sprintf("%s.%s.%d.%d", path, host, os.Getpid(), n),
		hostname:  host,
		owned:     true,
	}
}

// SetLogging turns on per-transition logging for debugging lock contention.
func (l *Lock) SetLogging(on bool) { l.logging = on }

// Lifetime returns the configured lifetime.
func (l *Lock) Lifetime() time.Duration { return l.lifetime }

// SetLifetime sets a new lifetime. It takes effect the next time the lock is
// acquired or refreshed; it does not touch a currently held lock.
func (l *Lock) SetLifetime(d time.Duration) {
	if d > 0 {
		l.lifetime = d
	}
}

// Lock acquires the lock, blocking until acquisition or until timeout
// elapses (0 means block forever). Returns ErrAlreadyLocked if this object
// already holds the lock and ErrTimedOut on expiry.
func (l *Lock) Lock(timeout time.Duration) error {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	if err := l.writeClaim(); err != nil {
		return err
	}
	l.touch(l.claimFile)
	l.logf("laying claim")
	for {
		err := os.Link(l.claimFile, l.path)
		if err == nil {
			// Link count went to 2: the lock is ours.
			l.touch(l.path)
			l.logf("got the lock")
			return nil
		}
		switch {
		case errors.Is(err, os.ErrNotExist):
			// The claim file vanished between writeClaim and link,
			// which has been observed on some NFS clients. Rewrite
			// and count this round as a failed attempt.
			if werr := l.writeClaim(); werr != nil {
				return werr
			}
		case !errors.Is(err, os.ErrExist):
			os.Remove(l.claimFile)
			return fmt.Errorf("lockfile %s: link: %w", l.path, err)
		case l.linkCount() != 2:
			// Somebody is interfering with the lock file. Log and
			// keep trying.
			log.Printf("lockfile: %s unexpected link count %d", l.path, l.linkCount())
		case l.readWinner() == l.claimFile:
			l.logf("already locked")
			return ErrAlreadyLocked
		}
		// Someone else holds the lock.
		if !deadline.IsZero() && time.Now().After(deadline) {
			os.Remove(l.claimFile)
			l.logf("timed out")
			return ErrTimedOut
		}
		if mtime, ok := l.lockMtime(); ok && time.Now().After(mtime.Add(l.lifetime).Add(l.skew)) {
			l.breakLock()
			log.Printf("lockfile: %s lifetime has expired, breaking", l.path)
			// Breaking does not grant the lock; retry the link at once
			// and let it pick the winner.
			continue
		}
		l.sleep()
	}
}

// Unlock relinquishes the lock. Returns ErrNotLocked if this object does not
// hold the lock (unbalanced calls, or the lock was broken out from under
// us), unless unconditionally is true.
func (l *Lock) Unlock(unconditionally bool) error {
	held := l.Locked()
	if !held && !unconditionally {
		return ErrNotLocked
	}
	if held {
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("lockfile %s: unlock: %w", l.path, err)
		}
	}
	if err := os.Remove(l.claimFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("lockfile %s: removing claim: %w", l.path, err)
	}
	l.logf("unlocked")
	return nil
}

// Locked reports whether this object holds the lock. A true result also
// refreshes the lock's modification time, so checking doubles as a
// heartbeat and discourages waiters from breaking it mid-test.
func (l *Lock) Locked() bool {
	// The claim file and the lock file share an inode while held, so
	// touching the claim refreshes the shared mtime.
	if err := l.touch(l.claimFile); err != nil {
		// Not being able to touch our own claim means we cannot
		// meaningfully own the lock.
		return false
	}
	if l.linkCount() != 2 {
		return false
	}
	return l.readWinner() == l.claimFile
}

// Refresh extends the lock's deadline before another process may consider it
// stale. With newLifetime > 0 the stored lifetime is replaced first. Returns
// ErrNotLocked if the lock is not held, unless unconditionally is true.
func (l *Lock) Refresh(newLifetime time.Duration, unconditionally bool) error {
	if newLifetime > 0 {
		l.lifetime = newLifetime
	}
	// Locked touches the lock as a side effect, which is the refresh.
	if !l.Locked() && !unconditionally {
		return ErrNotLocked
	}
	return nil
}

// Finalize unconditionally releases the lock if this object still owns it.
// After TransferTo the object is disowned and Finalize is a no-op.
func (l *Lock) Finalize() {
	if l.owned {
		l.Unlock(true)
	}
}

// TransferTo hands a held lock to the process with the given pid without any
// window where the resource is unlocked. The parent calls TransferTo(childPid)
// after forking; the child calls TakePossession, which blocks until the
// handoff completes.
func (l *Lock) TransferTo(pid int) error {
	// Touch first so no waiter breaks the lock while we fiddle with it.
	l.touch(l.path)
	winner := l.readWinner()
	l.claimFile = fmt.Sprintf("%s.%s.%d", l.path, l.hostname, pid)
	// Link in reverse of normal acquisition: the lock file exists and the
	// new claim file must not.
	if err := os.Link(l.path, l.claimFile); err != nil {
		return fmt.Errorf("lockfile %s: transfer: %w", l.path, err)
	}
	if err := l.writeClaim(); err != nil {
		return err
	}
	// Disown so Finalize in this process leaves the lock alone.
	l.owned = false
	// Unlinking the old claim completes the transfer.
	if winner != "" {
		if err := os.Remove(winner); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("lockfile %s: removing old claim: %w", l.path, err)
		}
	}
	l.logf("transferred the lock")
	return nil
}

// TakePossession completes a TransferTo handoff in the receiving process,
// polling until the sender has re-pointed the lock at this pid.
func (l *Lock) TakePossession() {
	l.claimFile = fmt.Sprintf("%s.%s.%d", l.path, l.hostname, os.Getpid())
	for l.linkCount() != 2 || l.readWinner() != l.claimFile {
		time.Sleep(250 * time.Millisecond)
	}
	l.owned = true
	l.logf("took possession of the lock")
}

// Disown marks the lock as not owned by this object so Finalize leaves it in
// place. Used when a supervisor forces acquisition on behalf of a child.
func (l *Lock) Disown() { l.owned = false }

// writeClaim creates or refreshes the claim file. Its content is its own
// name, which is how the current winner is identified through the lock path.
func (l *Lock) writeClaim() error {
	if err := os.WriteFile(l.claimFile, []byte(l.claimFile), 0664); err != nil {
		return fmt.Errorf("lockfile %s: writing claim: %w", l.path, err)
	}
	return nil
}

// readWinner returns the claim-file name of the current holder, or "".
func (l *Lock) readWinner() string {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// touch sets the file's times to now, ignoring a missing file.
func (l *Lock) touch(name string) error {
	now := time.Now()
	err := os.Chtimes(name, now, now)
	if err != nil && errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// lockMtime returns the lock file's modification time.
func (l *Lock) lockMtime() (time.Time, bool) {
	fi, err := os.Stat(l.path)
	if err != nil {
		return time.Time{}, false
	}
	return fi.ModTime(), true
}

// linkCount returns the lock file's hard link count, or -1 if it is gone.
func (l *Lock) linkCount() int {
	fi, err := os.Stat(l.path)
	if err != nil {
		return -1
	}
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return -1
	}
	return int(st.Nlink)
}

// breakLock removes a stale lock file and the dead winner's claim file. It
// does not grant the lock: two waiters can both break at once, and the next
// hard-link attempt decides the actual winner. Touching first narrows (but
// cannot close) the window where a break races a live holder.
func (l *Lock) breakLock() {
	if err := l.touch(l.path); err != nil {
		// An EPERM here means the holder has a different owner.
		// Breaking still proceeds.
		log.Printf("lockfile: %s touch before break: %v", l.path, err)
	}
	winner := l.readWinner()
	if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("lockfile: %s break: %v", l.path, err)
	}
	// The winner's claim file is just a turd at this point; failing to
	// remove it does not affect the algorithm.
	if winner != "" && winner != l.claimFile {
		os.Remove(winner)
	}
}

// sleep waits a short randomized interval between acquisition attempts.
func (l *Lock) sleep() {
	time.Sleep(time.Duration(10+rand.Intn(240)) * time.Millisecond)
}

func (l *Lock) logf(format string, args ...interface{}) {
	if l.logging {
		log.Printf("lockfile: %s: %s", l.path, fmt.Sprintf(format, args...))
	}
}
