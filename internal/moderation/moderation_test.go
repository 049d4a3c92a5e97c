package moderation

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/listd/internal/notice"
	"github.com/ignite/listd/internal/pending"
)

// fakeList is a minimal policy fixture. Zero value: empty open list that
// accepts everything via generic action "accept" only if set explicitly, so
// tests always set genericAction.
type fakeList struct {
	name             string
	owner            string
	members          map[string]bool // address -> moderated flag
	domains          [][]string
	memberAction     Action
	memberNotice     string
	accept, hold     []string
	reject, discard  []string
	genericAction    Action
	nonmemberNotice  string
	forwardDiscards  bool
	siblings         map[string][]string
}

func (f *fakeList) Name() string         { return f.name }
func (f *fakeList) OwnerAddress() string { return f.owner }

func (f *fakeList) FindMember(sender string) (string, bool) {
	sender = strings.ToLower(sender)
	if _, ok := f.members[sender]; ok {
		return sender, true
	}
	at := strings.LastIndex(sender, "@")
	if at < 0 {
		return "", false
	}
	local, domain := sender[:at], sender[at+1:]
	for _, group := range f.domains {
		inGroup := false
		for _, d := range group {
			if d == domain {
				inGroup = true
			}
		}
		if !inGroup {
			continue
		}
		for _, d := range group {
			cand := local + "@" + d
			if _, ok := f.members[cand]; ok {
				return cand, true
			}
		}
	}
	return "", false
}

func (f *fakeList) MemberModerated(member string) bool { return f.members[member] }
func (f *fakeList) MemberModerationAction() Action     { return f.memberAction }
func (f *fakeList) MemberModerationNotice() string     { return f.memberNotice }

func (f *fakeList) NonmemberPatterns(action Action) []string {
	switch action {
	case ActionAccept:
		return f.accept
	case ActionHold:
		return f.hold
	case ActionReject:
		return f.reject
	case ActionDiscard:
		return f.discard
	}
	return nil
}

func (f *fakeList) GenericNonmemberAction() Action    { return f.genericAction }
func (f *fakeList) NonmemberRejectionNotice() string  { return f.nonmemberNotice }
func (f *fakeList) ForwardAutoDiscards() bool         { return f.forwardDiscards }

func (f *fakeList) SiblingHasMember(listname, addr string) bool {
	for _, m := range f.siblings[listname] {
		if strings.EqualFold(m, addr) {
			return true
		}
	}
	return false
}

type fakeNotifier struct {
	forwarded []string // senders
	notes     []string
}

func (n *fakeNotifier) ForwardDiscard(l List, msg *Message, note string) error {
	n.forwarded = append(n.forwarded, msg.Sender)
	n.notes = append(n.notes, note)
	return nil
}

func newPipeline(t *testing.T, l *fakeList) (*Pipeline, *pending.Store, *fakeNotifier) {
	t.Helper()
	if l.name == "" {
		l.name = "test"
	}
	if l.owner == "" {
		l.owner = "test-owner@example.com"
	}
	store, err := pending.Open(l.name, t.TempDir())
	require.NoError(t, err)
	n := &fakeNotifier{}
	return New(l, store, notice.New(""), n), store, n
}

func TestApprovedBypassesEverything(t *testing.T) {
	// Sender matches the discard list, but the approval marker wins.
	p, _, _ := newPipeline(t, &fakeList{
		discard:       []string{"spam@example.com"},
		genericAction: ActionDiscard,
	})
	v, err := p.Classify(&Message{Sender: "spam@example.com", Approved: true})
	require.NoError(t, err)
	assert.Equal(t, ActionAccept, v.Action)
}

func TestUnmoderatedMemberAccepted(t *testing.T) {
	p, _, _ := newPipeline(t, &fakeList{
		members:       map[string]bool{"alice@example.com": false},
		genericAction: ActionHold,
	})
	v, err := p.Classify(&Message{Sender: "Alice@Example.COM"})
	require.NoError(t, err)
	assert.Equal(t, ActionAccept, v.Action)
}

func TestModeratedMemberHeld(t *testing.T) {
	p, store, _ := newPipeline(t, &fakeList{
		members:       map[string]bool{"bob@example.com": true},
		memberAction:  ActionHold,
		genericAction: ActionAccept,
	})
	v, err := p.Classify(&Message{Sender: "bob@example.com", Subject: "hi", Body: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, ActionHold, v.Action)
	assert.Equal(t, ReasonModeratedPost, v.Reason)

	req, ok := store.GetRecord(v.HeldID)
	require.True(t, ok)
	assert.Equal(t, ReasonModeratedPost, req.Held.Reason)
}

func TestModeratedMemberRejectedWithoutStoreEntry(t *testing.T) {
	p, store, _ := newPipeline(t, &fakeList{
		members:      map[string]bool{"bob@example.com": true},
		memberAction: ActionReject,
		memberNotice: "Wait for {{ listname }} to open.",
	})
	v, err := p.Classify(&Message{Sender: "bob@example.com"})
	require.NoError(t, err)
	assert.Equal(t, ActionReject, v.Action)
	assert.Equal(t, "Wait for test to open.", v.Notice)
	assert.Equal(t, 0, store.Len())
}

func TestModeratedMemberDiscarded(t *testing.T) {
	p, store, _ := newPipeline(t, &fakeList{
		members:      map[string]bool{"bob@example.com": true},
		memberAction: ActionDiscard,
	})
	v, err := p.Classify(&Message{Sender: "bob@example.com"})
	require.NoError(t, err)
	assert.Equal(t, ActionDiscard, v.Action)
	assert.Equal(t, 0, store.Len())
}

func TestInvalidMemberModerationAction(t *testing.T) {
	p, _, _ := newPipeline(t, &fakeList{
		members:      map[string]bool{"bob@example.com": true},
		memberAction: Action("defer"),
	})
	_, err := p.Classify(&Message{Sender: "bob@example.com"})
	assert.Error(t, err)
}

func TestEquivalentDomainMemberLookup(t *testing.T) {
	p, _, _ := newPipeline(t, &fakeList{
		members:       map[string]bool{"carol@corp.example": false},
		domains:       [][]string{{"corp.example", "mail.corp.example"}},
		genericAction: ActionHold,
	})
	v, err := p.Classify(&Message{Sender: "carol@mail.corp.example"})
	require.NoError(t, err)
	assert.Equal(t, ActionAccept, v.Action)
}

func TestNonmemberListOrderHoldBeatsReject(t *testing.T) {
	// The same sender is on both the hold and reject lists; the fixed
	// stage order means hold wins.
	p, _, _ := newPipeline(t, &fakeList{
		hold:          []string{"eve@example.com"},
		reject:        []string{"eve@example.com"},
		genericAction: ActionAccept,
	})
	v, err := p.Classify(&Message{Sender: "eve@example.com", Body: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, ActionHold, v.Action)
	assert.Equal(t, ReasonNonMemberPost, v.Reason)
}

func TestNonmemberAcceptBeatsHold(t *testing.T) {
	p, _, _ := newPipeline(t, &fakeList{
		accept:        []string{"eve@example.com"},
		hold:          []string{"^eve@"},
		genericAction: ActionDiscard,
	})
	v, err := p.Classify(&Message{Sender: "eve@example.com"})
	require.NoError(t, err)
	assert.Equal(t, ActionAccept, v.Action)
}

func TestNonmemberRegexHold(t *testing.T) {
	p, store, _ := newPipeline(t, &fakeList{
		hold:          []string{"^.*@spammy\\.example$"},
		genericAction: ActionAccept,
	})

	v1, err := p.Classify(&Message{Sender: "a@spammy.example", Body: []byte("x")})
	require.NoError(t, err)
	v2, err := p.Classify(&Message{Sender: "b@SPAMMY.example", Body: []byte("y")})
	require.NoError(t, err)

	assert.Equal(t, ActionHold, v1.Action)
	assert.Equal(t, ActionHold, v2.Action)
	assert.Greater(t, v2.HeldID, v1.HeldID)
	assert.Equal(t, 2, store.Len())
}

func TestMalformedRegexFailsOpen(t *testing.T) {
	p, _, _ := newPipeline(t, &fakeList{
		hold:          []string{"^[unclosed"},
		genericAction: ActionAccept,
	})
	v, err := p.Classify(&Message{Sender: "anyone@example.com"})
	require.NoError(t, err)
	assert.Equal(t, ActionAccept, v.Action)
}

func TestLiteralWinsOverEarlierRegex(t *testing.T) {
	// The regex appears first but the exact address still matches in the
	// literal pass.
	assert.True(t, MatchPattern("x@example.com",
		[]string{"^nomatch@", "x@example.com"}, nil))
}

func TestAtListPatternReference(t *testing.T) {
	p, _, _ := newPipeline(t, &fakeList{
		accept:        []string{"@announce"},
		siblings:      map[string][]string{"announce": {"friend@example.com"}},
		genericAction: ActionReject,
	})
	v, err := p.Classify(&Message{Sender: "friend@example.com"})
	require.NoError(t, err)
	assert.Equal(t, ActionAccept, v.Action)
}

func TestAtListSelfReferenceSkipped(t *testing.T) {
	p, _, _ := newPipeline(t, &fakeList{
		name:          "test",
		accept:        []string{"@test"},
		siblings:      map[string][]string{"test": {"stranger@example.com"}},
		genericAction: ActionDiscard,
	})
	v, err := p.Classify(&Message{Sender: "stranger@example.com"})
	require.NoError(t, err)
	assert.Equal(t, ActionDiscard, v.Action)
}

func TestGenericRejectUsesDefaultNotice(t *testing.T) {
	p, _, _ := newPipeline(t, &fakeList{
		owner:         "ops@example.com",
		genericAction: ActionReject,
	})
	v, err := p.Classify(&Message{Sender: "stranger@example.com"})
	require.NoError(t, err)
	assert.Equal(t, ActionReject, v.Action)
	assert.Contains(t, v.Notice, "not allowed to post")
	assert.Contains(t, v.Notice, "ops@example.com")
}

func TestGenericRejectUsesListNotice(t *testing.T) {
	p, _, _ := newPipeline(t, &fakeList{
		genericAction:   ActionReject,
		nonmemberNotice: "Subscribe to {{ listname }} before posting.",
	})
	v, err := p.Classify(&Message{Sender: "stranger@example.com"})
	require.NoError(t, err)
	assert.Equal(t, "Subscribe to test before posting.", v.Notice)
}

func TestNewsGatewayBypassesGenericAction(t *testing.T) {
	p, _, _ := newPipeline(t, &fakeList{genericAction: ActionDiscard})
	v, err := p.Classify(&Message{Sender: "poster@news.example", FromNewsGateway: true})
	require.NoError(t, err)
	assert.Equal(t, ActionAccept, v.Action)
}

func TestNewsGatewayDoesNotBypassExplicitLists(t *testing.T) {
	p, _, _ := newPipeline(t, &fakeList{
		discard:       []string{"poster@news.example"},
		genericAction: ActionAccept,
	})
	v, err := p.Classify(&Message{Sender: "poster@news.example", FromNewsGateway: true})
	require.NoError(t, err)
	assert.Equal(t, ActionDiscard, v.Action)
}

func TestAutoDiscardForwardsToOwner(t *testing.T) {
	p, _, n := newPipeline(t, &fakeList{
		genericAction:   ActionDiscard,
		forwardDiscards: true,
	})
	v, err := p.Classify(&Message{Sender: "spam@example.com"})
	require.NoError(t, err)
	assert.Equal(t, ActionDiscard, v.Action)
	require.Len(t, n.forwarded, 1)
	assert.Equal(t, "spam@example.com", n.forwarded[0])
	assert.Contains(t, n.notes[0], "automatically discarded")
}

func TestAutoDiscardSilentWithoutFlag(t *testing.T) {
	p, _, n := newPipeline(t, &fakeList{genericAction: ActionDiscard})
	_, err := p.Classify(&Message{Sender: "spam@example.com"})
	require.NoError(t, err)
	assert.Empty(t, n.forwarded)
}
