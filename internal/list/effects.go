package list

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/listd/internal/moderation"
	"github.com/ignite/listd/internal/notice"
	"github.com/ignite/listd/internal/pending"
)

// SpoolEffects applies the side effects of moderator decisions by writing
// message files into an outgoing spool directory, where the site's delivery
// machinery picks them up. It implements pending.Effects and the
// moderation notifier.
//
// Spool entries are named <kind>-<list>-<uuid>.eml so concurrent writers on
// different hosts never collide.
type SpoolEffects struct {
	list    *List
	notices *notice.Renderer
	dir     string
}

// NewSpoolEffects returns effects for l spooling into dir, which is created
// if absent.
func NewSpoolEffects(l *List, r *notice.Renderer, dir string) (*SpoolEffects, error) {
	if err := os.MkdirAll(dir, 0770); err != nil {
		return nil, fmt.Errorf("list: creating spool %s: %w", dir, err)
	}
	return &SpoolEffects{list: l, notices: r, dir: dir}, nil
}

// Reinject puts an approved held message back into the delivery pipeline.
func (e *SpoolEffects) Reinject(req *pending.Request, body []byte) error {
	return e.spool("in", body)
}

// Refuse spools a rejection notice to the requester, wrapping the
// moderator's comment in the standard refusal text.
func (e *SpoolEffects) Refuse(req *pending.Request, comment string) error {
	if comment == "" {
		comment = "[No reason given]"
	}
	text, err := e.notices.Render(notice.Refuse, map[string]interface{}{
		"listname": e.list.Name(),
		"request":  describeRequest(req),
		"reason":   comment,
		"owner":    e.list.OwnerAddress(),
	})
	if err != nil {
		return err
	}
	msg := e.envelope(requestAddress(req), "Request to mailing list "+e.list.Name()+" rejected", text)
	return e.spool("out", msg)
}

// Forward spools a copy of a held message to an explicit address.
func (e *SpoolEffects) Forward(req *pending.Request, body []byte, to string) error {
	header := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: Forward of moderated message\r\n\r\n",
		e.list.OwnerAddress(), to)
	return e.spool("out", append([]byte(header), body...))
}

// Subscribe applies an approved subscription request.
func (e *SpoolEffects) Subscribe(sub pending.Subscription) error {
	return e.list.AddMember(Member{
		Address:  sub.Address,
		Fullname: sub.Fullname,
		Password: sub.Password,
		Digest:   sub.Digest,
		Language: sub.Language,
	})
}

// Unsubscribe applies an approved unsubscription request.
func (e *SpoolEffects) Unsubscribe(address string) error {
	return e.list.RemoveMember(address)
}

// ForwardDiscard sends an automatically discarded posting to the list
// owner with the discard notification attached.
func (e *SpoolEffects) ForwardDiscard(l moderation.List, msg *moderation.Message, note string) error {
	header := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: Auto-discard notification\r\n\r\n%s\r\n\r\n",
		l.OwnerAddress(), l.OwnerAddress(), note)
	return e.spool("out", append([]byte(header), msg.Body...))
}

func (e *SpoolEffects) envelope(to, subject, body string) []byte {
	return []byte(fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\n\r\n%s\r\n",
		e.list.OwnerAddress(), to, subject, time.Now().UTC().Format(time.RFC1123Z), body))
}

func (e *SpoolEffects) spool(kind string, msg []byte) error {
	name := fmt.Sprintf("%s-%s-%s.eml", kind, e.list.Name(), uuid.NewString())
	// Same temp-then-rename dance as the snapshots, so the pickup daemon
	// never reads a half-written file.
	tmp := filepath.Join(e.dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, msg, 0660); err != nil {
		return fmt.Errorf("list: spooling %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(e.dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("list: spooling %s: %w", name, err)
	}
	return nil
}

// describeRequest renders the one-line summary embedded in refusal notices.
func describeRequest(req *pending.Request) string {
	switch req.Kind {
	case pending.KindHeldMessage:
		return fmt.Sprintf("Posting of your message titled %q", req.Held.Subject)
	case pending.KindSubscription:
		return fmt.Sprintf("Subscription of %s", req.Sub.Address)
	case pending.KindUnsubscription:
		return fmt.Sprintf("Unsubscription of %s", req.Unsub.Address)
	}
	return "Your request"
}

// requestAddress is the address the refusal notice goes to.
func requestAddress(req *pending.Request) string {
	switch req.Kind {
	case pending.KindHeldMessage:
		return req.Held.Sender
	case pending.KindSubscription:
		return req.Sub.Address
	case pending.KindUnsubscription:
		return req.Unsub.Address
	}
	return ""
}
