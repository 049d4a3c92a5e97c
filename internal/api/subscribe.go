package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/listd/internal/list"
	"github.com/ignite/listd/internal/lockfile"
	"github.com/ignite/listd/internal/pending"
)

// SubscribeRequest is the body of POST /api/lists/{list}/subscribe.
type SubscribeRequest struct {
	Address  string `json:"address"`
	Fullname string `json:"fullname,omitempty"`
	Password string `json:"password,omitempty"`
	Digest   bool   `json:"digest,omitempty"`
	Language string `json:"language,omitempty"`
}

// Subscribe starts a subscription: the request is pended under a
// confirmation cookie which the site mails to the address. Nothing changes
// on the list until the cookie comes back through Confirm.
func (h *Handlers) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Address == "" {
		respondError(w, http.StatusBadRequest, "address is required")
		return
	}

	l, ok := h.openListLocked(w, r)
	if !ok {
		return
	}
	defer l.Unlock()

	if l.IsMember(req.Address) {
		respondError(w, http.StatusConflict, "already a member")
		return
	}
	cookie, err := l.Confirms().Pend(pending.OpSubscribe, pending.Subscription{
		Address:  req.Address,
		Fullname: req.Fullname,
		Password: req.Password,
		Digest:   req.Digest,
		Language: req.Language,
	}, 0)
	if err != nil {
		log.Printf("api: pending subscription on %s: %v", l.Name(), err)
		respondError(w, http.StatusInternalServerError, "cannot record subscription")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"cookie": cookie})
}

// Unsubscribe starts an unsubscription, confirmation-gated like Subscribe.
func (h *Handlers) Unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	l, ok := h.openListLocked(w, r)
	if !ok {
		return
	}
	defer l.Unlock()

	if !l.IsMember(req.Address) {
		respondError(w, http.StatusNotFound, "not a member")
		return
	}
	cookie, err := l.Confirms().Pend(pending.OpUnsubscribe, pending.Unsubscription{Address: req.Address}, 0)
	if err != nil {
		log.Printf("api: pending unsubscription on %s: %v", l.Name(), err)
		respondError(w, http.StatusInternalServerError, "cannot record unsubscription")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"cookie": cookie})
}

// Confirm redeems a confirmation cookie. Depending on list policy the
// operation either takes effect immediately or lands in the moderator
// queue.
func (h *Handlers) Confirm(w http.ResponseWriter, r *http.Request) {
	cookie := chi.URLParam(r, "cookie")

	l, ok := h.openListLocked(w, r)
	if !ok {
		return
	}
	defer l.Unlock()

	op, payload, found, err := l.Confirms().Confirm(cookie, true)
	if err != nil {
		log.Printf("api: confirming on %s: %v", l.Name(), err)
		respondError(w, http.StatusInternalServerError, "confirmation failed")
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "unknown or expired confirmation")
		return
	}

	switch op {
	case pending.OpSubscribe:
		var sub pending.Subscription
		if err := json.Unmarshal(payload, &sub); err != nil {
			respondError(w, http.StatusInternalServerError, "corrupt confirmation payload")
			return
		}
		if l.State().SubscribeApprovalRequired {
			id, err := l.Requests().HoldSubscription(sub)
			if err != nil {
				respondError(w, http.StatusInternalServerError, "cannot queue subscription")
				return
			}
			respondJSON(w, http.StatusAccepted, map[string]interface{}{
				"status": "held for moderator approval",
				"id":     id,
			})
			return
		}
		if err := l.AddMember(list.Member{
			Address:  sub.Address,
			Fullname: sub.Fullname,
			Password: sub.Password,
			Digest:   sub.Digest,
			Language: sub.Language,
		}); err != nil {
			if errors.Is(err, list.ErrAlreadyAMember) {
				respondError(w, http.StatusConflict, "already a member")
				return
			}
			respondError(w, http.StatusInternalServerError, "subscription failed")
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "subscribed"})

	case pending.OpUnsubscribe:
		var unsub pending.Unsubscription
		if err := json.Unmarshal(payload, &unsub); err != nil {
			respondError(w, http.StatusInternalServerError, "corrupt confirmation payload")
			return
		}
		if l.State().UnsubscribeApprovalRequired {
			id, err := l.Requests().HoldUnsubscription(unsub.Address)
			if err != nil {
				respondError(w, http.StatusInternalServerError, "cannot queue unsubscription")
				return
			}
			respondJSON(w, http.StatusAccepted, map[string]interface{}{
				"status": "held for moderator approval",
				"id":     id,
			})
			return
		}
		if err := l.RemoveMember(unsub.Address); err != nil {
			if errors.Is(err, list.ErrNotAMember) {
				respondError(w, http.StatusNotFound, "not a member")
				return
			}
			respondError(w, http.StatusInternalServerError, "unsubscription failed")
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "unsubscribed"})

	default:
		respondError(w, http.StatusNotImplemented, "confirmation type not handled here")
	}
}

func (h *Handlers) openListLocked(w http.ResponseWriter, r *http.Request) (*list.List, bool) {
	name := chi.URLParam(r, "list")
	l, err := h.registry.OpenLocked(name, h.cfg.Locking.AcquireTimeout())
	if err != nil {
		switch {
		case errors.Is(err, list.ErrNoSuchList):
			respondError(w, http.StatusNotFound, "no such list")
		case errors.Is(err, lockfile.ErrTimedOut):
			respondError(w, http.StatusServiceUnavailable, "list is busy, try again")
		default:
			log.Printf("api: opening %s locked: %v", name, err)
			respondError(w, http.StatusInternalServerError, "cannot open list")
		}
		return nil, false
	}
	return l, true
}
