// Package moderation classifies incoming postings against a list's
// membership and policy, producing a verdict: accept, hold for a moderator,
// reject with a notice, or discard. Held postings are enqueued in the list's
// pending-request store; everything past the verdict (delivery, bounces) is
// someone else's job.
package moderation

import (
	"fmt"
	"log"

	"github.com/ignite/listd/internal/notice"
	"github.com/ignite/listd/internal/pending"
)

// Action is a moderation outcome. It doubles as the value type for the
// policy knobs in a list's configuration.
type Action string

const (
	ActionAccept  Action = "accept"
	ActionHold    Action = "hold"
	ActionReject  Action = "reject"
	ActionDiscard Action = "discard"
)

// Valid reports whether a is one of the defined actions.
func (a Action) Valid() bool {
	switch a {
	case ActionAccept, ActionHold, ActionReject, ActionDiscard:
		return true
	}
	return false
}

// Hold reasons recorded with held postings. The pipeline only produces the
// first two; the rest belong to the hold handlers that share the same queue.
const (
	ReasonModeratedPost       = "Post to moderated list"
	ReasonNonMemberPost       = "Post by non-member to a members-only list"
	ReasonSuspiciousHeader    = "Message has a suspicious header"
	ReasonTooManyRecipients   = "Too many recipients to the message"
	ReasonImplicitDestination = "Message has implicit destination"
	ReasonAdministrivia       = "Message may contain administrivia"
)

// Message is the slice of an incoming posting the pipeline looks at.
type Message struct {
	Sender  string
	Subject string
	Body    []byte
	// Approved is set by the upstream handler once a valid approval
	// password has been stripped from the message.
	Approved bool
	// FromNewsGateway marks postings gated in from the news server;
	// they bypass the generic non-member policy.
	FromNewsGateway bool
	Metadata        map[string]string
}

// Verdict is the pipeline's decision for one message.
type Verdict struct {
	Action Action
	// Reason is the hold reason, set when Action is ActionHold.
	Reason string
	// Notice is the rejection text, set when Action is ActionReject. It
	// may be empty when the list carries no custom text; the refusal
	// wrapper supplies the boilerplate.
	Notice string
	// HeldID is the pending-store id of the enqueued request, set when
	// Action is ActionHold.
	HeldID int
}

// List is the view of a mailing list the pipeline needs. internal/list
// implements it.
type List interface {
	Name() string
	OwnerAddress() string
	// FindMember resolves a sender address to a member address,
	// case-insensitively and across the list's equivalent domains.
	FindMember(sender string) (string, bool)
	// MemberModerated reports the member's moderation flag.
	MemberModerated(member string) bool
	MemberModerationAction() Action
	// MemberModerationNotice is the list's custom rejection text for
	// moderated members, empty for none.
	MemberModerationNotice() string
	// NonmemberPatterns returns the pattern list for one of the four
	// explicit non-member actions.
	NonmemberPatterns(action Action) []string
	GenericNonmemberAction() Action
	// NonmemberRejectionNotice is the list's custom rejection text for
	// non-members, empty for the built-in default.
	NonmemberRejectionNotice() string
	ForwardAutoDiscards() bool
	// SiblingHasMember resolves an @listname pattern reference against
	// another list on the same site.
	SiblingHasMember(listname, addr string) bool
}

// Notifier forwards automatically discarded postings to the list owner.
type Notifier interface {
	ForwardDiscard(l List, msg *Message, note string) error
}

// Pipeline classifies postings for one list.
type Pipeline struct {
	list     List
	store    *pending.Store
	notices  *notice.Renderer
	notifier Notifier
}

// New returns a pipeline for l, enqueueing holds into store and rendering
// rejection texts with r. notifier may be nil to disable owner forwarding of
// auto-discards.
func New(l List, store *pending.Store, r *notice.Renderer, notifier Notifier) *Pipeline {
	return &Pipeline{list: l, store: store, notices: r, notifier: notifier}
}

// Classify runs the message through the policy stages in order: approval
// marker, member moderation, the four explicit non-member lists, then the
// generic non-member action. The first stage that produces a verdict wins.
func (p *Pipeline) Classify(msg *Message) (Verdict, error) {
	if msg.Approved {
		return Verdict{Action: ActionAccept}, nil
	}

	if member, ok := p.list.FindMember(msg.Sender); ok {
		return p.classifyMember(msg, member)
	}
	return p.classifyNonmember(msg)
}

func (p *Pipeline) classifyMember(msg *Message, member string) (Verdict, error) {
	if !p.list.MemberModerated(member) {
		return Verdict{Action: ActionAccept}, nil
	}

	switch action := p.list.MemberModerationAction(); action {
	case ActionHold:
		return p.hold(msg, ReasonModeratedPost)
	case ActionReject:
		text, err := p.customNotice(p.list.MemberModerationNotice())
		if err != nil {
			return Verdict{}, err
		}
		return Verdict{Action: ActionReject, Notice: text}, nil
	case ActionDiscard:
		return p.discard(msg)
	default:
		return Verdict{}, fmt.Errorf("moderation: list %s has invalid member_moderation_action %q",
			p.list.Name(), action)
	}
}

func (p *Pipeline) classifyNonmember(msg *Message) (Verdict, error) {
	sender := msg.Sender

	if p.matches(sender, p.list.NonmemberPatterns(ActionAccept)) {
		return Verdict{Action: ActionAccept}, nil
	}
	if p.matches(sender, p.list.NonmemberPatterns(ActionHold)) {
		return p.hold(msg, ReasonNonMemberPost)
	}
	if p.matches(sender, p.list.NonmemberPatterns(ActionReject)) {
		return p.reject()
	}
	if p.matches(sender, p.list.NonmemberPatterns(ActionDiscard)) {
		return p.discard(msg)
	}

	action := p.list.GenericNonmemberAction()
	if msg.FromNewsGateway {
		// Gated news postings were vetted on the news side.
		action = ActionAccept
	}
	switch action {
	case ActionAccept:
		return Verdict{Action: ActionAccept}, nil
	case ActionHold:
		return p.hold(msg, ReasonNonMemberPost)
	case ActionReject:
		return p.reject()
	case ActionDiscard:
		return p.discard(msg)
	default:
		return Verdict{}, fmt.Errorf("moderation: list %s has invalid generic_nonmember_action %q",
			p.list.Name(), action)
	}
}

func (p *Pipeline) hold(msg *Message, reason string) (Verdict, error) {
	id, err := p.store.HoldMessage(msg.Body, msg.Sender, msg.Subject, reason, msg.Metadata)
	if err != nil {
		return Verdict{}, fmt.Errorf("moderation: holding post for %s: %w", p.list.Name(), err)
	}
	return Verdict{Action: ActionHold, Reason: reason, HeldID: id}, nil
}

func (p *Pipeline) reject() (Verdict, error) {
	text := p.list.NonmemberRejectionNotice()
	if text != "" {
		rendered, err := p.customNotice(text)
		if err != nil {
			return Verdict{}, err
		}
		return Verdict{Action: ActionReject, Notice: rendered}, nil
	}
	rendered, err := p.notices.Render(notice.NonmemberRejected, p.bindings())
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{Action: ActionReject, Notice: rendered}, nil
}

func (p *Pipeline) discard(msg *Message) (Verdict, error) {
	if p.list.ForwardAutoDiscards() && p.notifier != nil {
		note, err := p.notices.Render(notice.AutoDiscard, p.bindings())
		if err != nil {
			return Verdict{}, err
		}
		if err := p.notifier.ForwardDiscard(p.list, msg, note); err != nil {
			// The post is discarded either way; losing the owner copy
			// is not worth failing the pipeline over.
			log.Printf("moderation: %s: forwarding auto-discard: %v", p.list.Name(), err)
		}
	}
	return Verdict{Action: ActionDiscard}, nil
}

func (p *Pipeline) customNotice(text string) (string, error) {
	if text == "" {
		return "", nil
	}
	return p.notices.RenderString(text, p.bindings())
}

func (p *Pipeline) bindings() map[string]interface{} {
	return map[string]interface{}{
		"listname": p.list.Name(),
		"owner":    p.list.OwnerAddress(),
	}
}
