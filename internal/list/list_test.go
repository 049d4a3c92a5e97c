package list

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/listd/internal/lockfile"
	"github.com/ignite/listd/internal/moderation"
	"github.com/ignite/listd/internal/pending"
)

const testTimeout = 5 * time.Second

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	root := t.TempDir()
	for _, dir := range []string{filepath.Join(root, "lists"), filepath.Join(root, "locks")} {
		require.NoError(t, os.MkdirAll(dir, 0770))
	}
	return NewRegistry(filepath.Join(root, "lists"), filepath.Join(root, "locks"), "example.com", 0)
}

func createList(t *testing.T, r *Registry, name string) *List {
	t.Helper()
	l, err := r.Create(name, "example.com", []string{"admin@example.com"}, testTimeout)
	require.NoError(t, err)
	t.Cleanup(l.Unlock)
	return l
}

func TestCreateAndReopen(t *testing.T) {
	r := newRegistry(t)
	l := createList(t, r, "announce")
	assert.Equal(t, "announce", l.Name())
	assert.Equal(t, "announce@example.com", l.PostingAddress())
	assert.Equal(t, "announce-owner@example.com", l.OwnerAddress())
	assert.True(t, l.Locked())
	l.Unlock()

	reopened, err := r.Open("announce")
	require.NoError(t, err)
	assert.Equal(t, moderation.ActionHold, reopened.GenericNonmemberAction())
	assert.True(t, reopened.ForwardAutoDiscards())
}

func TestCreateDuplicateFails(t *testing.T) {
	r := newRegistry(t)
	l := createList(t, r, "dev")
	l.Unlock()

	_, err := r.Create("dev", "example.com", nil, testTimeout)
	assert.ErrorIs(t, err, ErrListExists)
}

func TestCreateRejectsBadNames(t *testing.T) {
	r := newRegistry(t)
	for _, name := range []string{"", "has space", "../escape", ".hidden", "a/b"} {
		_, err := r.Create(name, "example.com", nil, testTimeout)
		assert.Error(t, err, "name %q", name)
	}
}

func TestOpenUnknownList(t *testing.T) {
	r := newRegistry(t)
	_, err := r.Open("nope")
	assert.ErrorIs(t, err, ErrNoSuchList)

	_, err = r.OpenLocked("nope", testTimeout)
	assert.ErrorIs(t, err, ErrNoSuchList)
}

func TestNames(t *testing.T) {
	r := newRegistry(t)
	createList(t, r, "alpha").Unlock()
	createList(t, r, "beta").Unlock()

	names, err := r.Names()
	require.NoError(t, err)
	assert.Equal(t, []string{"alpha", "beta"}, names)
}

func TestOpenLockedExcludesSecondHolder(t *testing.T) {
	r := newRegistry(t)
	l := createList(t, r, "busy")
	defer l.Unlock()

	_, err := r.OpenLocked("busy", 100*time.Millisecond)
	assert.ErrorIs(t, err, lockfile.ErrTimedOut)
}

func TestSaveRequiresLock(t *testing.T) {
	r := newRegistry(t)
	createList(t, r, "ro").Unlock()

	l, err := r.Open("ro")
	require.NoError(t, err)
	err = l.Save()
	assert.ErrorIs(t, err, ErrNotLockedForWrite)

	err = l.AddMember(Member{Address: "x@example.com"})
	assert.ErrorIs(t, err, ErrNotLockedForWrite)
	assert.False(t, l.IsMember("x@example.com"))
}

func TestMembershipRoundTrip(t *testing.T) {
	r := newRegistry(t)
	l := createList(t, r, "dev")

	require.NoError(t, l.AddMember(Member{Address: "Alice@Example.COM", Fullname: "Alice"}))
	require.NoError(t, l.AddMember(Member{Address: "bob@example.com", Digest: true}))
	l.Unlock()

	reopened, err := r.Open("dev")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice@example.com", "bob@example.com"}, reopened.MemberAddresses())

	// Original case preserved for delivery.
	m, ok := reopened.GetMember("ALICE@example.com")
	require.True(t, ok)
	assert.Equal(t, "Alice@Example.COM", m.Address)
	assert.False(t, m.JoinedAt.IsZero())
}

func TestAddMemberTwiceFails(t *testing.T) {
	r := newRegistry(t)
	l := createList(t, r, "dev")
	require.NoError(t, l.AddMember(Member{Address: "a@example.com"}))
	err := l.AddMember(Member{Address: "A@EXAMPLE.com"})
	assert.ErrorIs(t, err, ErrAlreadyAMember)
}

func TestRemoveMember(t *testing.T) {
	r := newRegistry(t)
	l := createList(t, r, "dev")
	require.NoError(t, l.AddMember(Member{Address: "a@example.com"}))
	require.NoError(t, l.RemoveMember("A@example.com"))
	assert.False(t, l.IsMember("a@example.com"))

	err := l.RemoveMember("a@example.com")
	assert.ErrorIs(t, err, ErrNotAMember)
}

func TestDefaultMemberModerationInherited(t *testing.T) {
	r := newRegistry(t)
	l := createList(t, r, "dev")
	l.State().DefaultMemberModeration = true
	require.NoError(t, l.AddMember(Member{Address: "new@example.com"}))
	assert.True(t, l.MemberModerated("new@example.com"))
}

func TestSetMemberModeration(t *testing.T) {
	r := newRegistry(t)
	l := createList(t, r, "dev")
	require.NoError(t, l.AddMember(Member{Address: "a@example.com"}))
	require.NoError(t, l.SetMemberModeration("a@example.com", true))
	assert.True(t, l.MemberModerated("a@example.com"))

	err := l.SetMemberModeration("ghost@example.com", true)
	assert.ErrorIs(t, err, ErrNotAMember)
}

func TestFindMemberEquivalentDomains(t *testing.T) {
	r := newRegistry(t)
	l := createList(t, r, "dev")
	l.State().EquivalentDomains = [][]string{{"corp.example", "mail.corp.example"}}
	require.NoError(t, l.AddMember(Member{Address: "carol@corp.example"}))

	member, ok := l.FindMember("Carol@MAIL.corp.example")
	require.True(t, ok)
	assert.Equal(t, "carol@corp.example", member)

	_, ok = l.FindMember("carol@other.example")
	assert.False(t, ok)
}

func TestSiblingHasMember(t *testing.T) {
	r := newRegistry(t)
	sib := createList(t, r, "announce")
	require.NoError(t, sib.AddMember(Member{Address: "friend@example.com"}))
	sib.Unlock()

	l := createList(t, r, "dev")
	assert.True(t, l.SiblingHasMember("announce", "friend@example.com"))
	assert.False(t, l.SiblingHasMember("announce", "stranger@example.com"))
	assert.False(t, l.SiblingHasMember("ghost", "friend@example.com"))
}

func TestConfigBackupFallback(t *testing.T) {
	r := newRegistry(t)
	l := createList(t, r, "dev")
	require.NoError(t, l.AddMember(Member{Address: "a@example.com"}))
	require.NoError(t, l.AddMember(Member{Address: "b@example.com"}))
	dir := l.Dir()
	l.Unlock()

	// Truncated primary; the backup has the previous generation.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("{"), 0660))

	reopened, err := r.Open("dev")
	require.NoError(t, err)
	assert.True(t, reopened.IsMember("a@example.com"))
	assert.False(t, reopened.IsMember("b@example.com"))
}

func TestConfigBothGenerationsCorrupt(t *testing.T) {
	r := newRegistry(t)
	l := createList(t, r, "dev")
	dir := l.Dir()
	l.Unlock()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte("junk"), 0660))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.json.last"), []byte("junk"), 0660))

	_, err := r.Open("dev")
	assert.ErrorIs(t, err, ErrCorruptList)
}

func TestRemoveList(t *testing.T) {
	r := newRegistry(t)
	createList(t, r, "doomed").Unlock()

	require.NoError(t, r.Remove("doomed", testTimeout))
	assert.False(t, r.Exists("doomed"))

	err := r.Remove("doomed", testTimeout)
	assert.ErrorIs(t, err, ErrNoSuchList)
}

func TestRegistryFeedsModerationPipeline(t *testing.T) {
	// End to end: a moderated member's post is held, the moderator
	// approves it, and the approved copy lands in the spool.
	r := newRegistry(t)
	l := createList(t, r, "dev")
	require.NoError(t, l.AddMember(Member{Address: "bob@example.com", Moderated: true}))

	renderer := noticeRenderer()
	pipeline := moderation.New(l, l.Requests(), renderer, nil)
	v, err := pipeline.Classify(&moderation.Message{
		Sender:  "bob@example.com",
		Subject: "release",
		Body:    []byte("Subject: release\r\n\r\nshipping today"),
	})
	require.NoError(t, err)
	require.Equal(t, moderation.ActionHold, v.Action)

	spool := filepath.Join(t.TempDir(), "out")
	fx, err := NewSpoolEffects(l, renderer, spool)
	require.NoError(t, err)

	status, err := l.Requests().Resolve(v.HeldID, pending.Approve, pending.ResolveOptions{}, fx)
	require.NoError(t, err)
	assert.Equal(t, pending.StatusApproved, status)

	entries, err := os.ReadDir(spool)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.True(t, strings.HasPrefix(entries[0].Name(), "in-dev-"))
}

func TestOpenLockedSeesLatestState(t *testing.T) {
	r := newRegistry(t)
	l := createList(t, r, "dev")
	require.NoError(t, l.AddMember(Member{Address: "a@example.com"}))
	l.Unlock()

	locked, err := r.OpenLocked("dev", testTimeout)
	require.NoError(t, err)
	defer locked.Unlock()
	assert.True(t, locked.IsMember("a@example.com"))
	assert.NoError(t, locked.Save())
}

func TestCorruptPendingStoreFailsOpen(t *testing.T) {
	r := newRegistry(t)
	l := createList(t, r, "dev")
	dir := l.Dir()
	l.Unlock()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "requests.json"), []byte("junk"), 0660))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "requests.json.last"), []byte("junk"), 0660))

	_, err := r.Open("dev")
	require.Error(t, err)
	assert.True(t, errors.Is(err, pending.ErrCorrupt))
}
