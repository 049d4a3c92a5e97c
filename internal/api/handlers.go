package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/listd/internal/config"
	"github.com/ignite/listd/internal/list"
	"github.com/ignite/listd/internal/lockfile"
	"github.com/ignite/listd/internal/notice"
	"github.com/ignite/listd/internal/pending"
)

// Handlers holds the moderator API's dependencies.
type Handlers struct {
	registry *list.Registry
	notices  *notice.Renderer
	cfg      *config.Config
}

// NewHandlers creates the API handlers.
func NewHandlers(registry *list.Registry, notices *notice.Renderer, cfg *config.Config) *Handlers {
	return &Handlers{registry: registry, notices: notices, cfg: cfg}
}

// HealthCheck returns service health status.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// ListSummary is one row of the lists index.
type ListSummary struct {
	Name           string `json:"name"`
	PostingAddress string `json:"posting_address"`
	Members        int    `json:"members"`
	PendingPosts   int    `json:"pending_posts"`
}

// GetLists returns all lists on the site.
func (h *Handlers) GetLists(w http.ResponseWriter, r *http.Request) {
	names, err := h.registry.Names()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "cannot scan lists")
		return
	}
	out := make([]ListSummary, 0, len(names))
	for _, name := range names {
		l, err := h.registry.Open(name)
		if err != nil {
			log.Printf("api: opening %s: %v", name, err)
			continue
		}
		out = append(out, ListSummary{
			Name:           l.Name(),
			PostingAddress: l.PostingAddress(),
			Members:        len(l.State().Members),
			PendingPosts:   len(l.Requests().ListIds(pending.KindHeldMessage)),
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// CreateListRequest is the body of POST /api/lists.
type CreateListRequest struct {
	Name   string   `json:"name"`
	Host   string   `json:"host,omitempty"`
	Owners []string `json:"owners,omitempty"`
}

// CreateList makes a new list.
func (h *Handlers) CreateList(w http.ResponseWriter, r *http.Request) {
	var req CreateListRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "name is required")
		return
	}
	host := req.Host
	if host == "" {
		host = h.cfg.Lists.DefaultHost
	}

	l, err := h.registry.Create(req.Name, host, req.Owners, h.cfg.Locking.AcquireTimeout())
	if err != nil {
		switch {
		case errors.Is(err, list.ErrListExists):
			respondError(w, http.StatusConflict, "list already exists")
		case errors.Is(err, lockfile.ErrTimedOut):
			respondError(w, http.StatusServiceUnavailable, "site is busy, try again")
		default:
			respondError(w, http.StatusBadRequest, err.Error())
		}
		return
	}
	defer l.Unlock()
	respondJSON(w, http.StatusCreated, ListSummary{
		Name:           l.Name(),
		PostingAddress: l.PostingAddress(),
	})
}

// GetList returns one list's summary and policy.
func (h *Handlers) GetList(w http.ResponseWriter, r *http.Request) {
	l, ok := h.openList(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"name":            l.Name(),
		"posting_address": l.PostingAddress(),
		"owner_address":   l.OwnerAddress(),
		"members":         len(l.State().Members),
		"policy": map[string]interface{}{
			"member_moderation_action": l.MemberModerationAction(),
			"generic_nonmember_action": l.GenericNonmemberAction(),
			"forward_auto_discards":    l.ForwardAutoDiscards(),
		},
	})
}

// GetMembers returns the list roster.
func (h *Handlers) GetMembers(w http.ResponseWriter, r *http.Request) {
	l, ok := h.openList(w, r)
	if !ok {
		return
	}
	type memberRow struct {
		Address   string `json:"address"`
		Fullname  string `json:"fullname,omitempty"`
		Digest    bool   `json:"digest"`
		Moderated bool   `json:"moderated"`
	}
	out := make([]memberRow, 0, len(l.State().Members))
	for _, key := range l.MemberAddresses() {
		m, _ := l.GetMember(key)
		out = append(out, memberRow{
			Address:   m.Address,
			Fullname:  m.Fullname,
			Digest:    m.Digest,
			Moderated: m.Moderated,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

// RequestRow is one entry of the moderator queue.
type RequestRow struct {
	ID        int       `json:"id"`
	Kind      string    `json:"kind"`
	CreatedAt time.Time `json:"created_at"`
	Sender    string    `json:"sender,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Address   string    `json:"address,omitempty"`
}

func requestRow(req *pending.Request) RequestRow {
	row := RequestRow{
		ID:        req.ID,
		Kind:      string(req.Kind),
		CreatedAt: req.CreatedAt,
	}
	switch req.Kind {
	case pending.KindHeldMessage:
		row.Sender = req.Held.Sender
		row.Subject = req.Held.Subject
		row.Reason = req.Held.Reason
	case pending.KindSubscription:
		row.Address = req.Sub.Address
	case pending.KindUnsubscription:
		row.Address = req.Unsub.Address
	}
	return row
}

// GetRequests returns the moderator queue, optionally filtered by
// ?kind=post|subscribe|unsubscribe.
func (h *Handlers) GetRequests(w http.ResponseWriter, r *http.Request) {
	l, ok := h.openList(w, r)
	if !ok {
		return
	}
	kinds := []pending.Kind{pending.KindHeldMessage, pending.KindSubscription, pending.KindUnsubscription}
	if k := r.URL.Query().Get("kind"); k != "" {
		kinds = []pending.Kind{pending.Kind(k)}
	}
	out := make([]RequestRow, 0)
	for _, kind := range kinds {
		for _, id := range l.Requests().ListIds(kind) {
			req, ok := l.Requests().GetRecord(id)
			if !ok {
				continue
			}
			out = append(out, requestRow(req))
		}
	}
	respondJSON(w, http.StatusOK, out)
}

// GetRequest returns a single queue entry.
func (h *Handlers) GetRequest(w http.ResponseWriter, r *http.Request) {
	l, ok := h.openList(w, r)
	if !ok {
		return
	}
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request id")
		return
	}
	req, ok := l.Requests().GetRecord(id)
	if !ok {
		respondError(w, http.StatusNotFound, "no such request")
		return
	}
	respondJSON(w, http.StatusOK, requestRow(req))
}

// ResolveRequest is the body of POST .../requests/{id}/resolve.
type ResolveRequest struct {
	Decision string `json:"decision"` // defer, approve, reject, discard
	Comment  string `json:"comment,omitempty"`
	Preserve bool   `json:"preserve,omitempty"`
	Forward  bool   `json:"forward,omitempty"`
	To       string `json:"to,omitempty"`
}

var decisions = map[string]pending.Decision{
	"defer":   pending.Defer,
	"approve": pending.Approve,
	"reject":  pending.Reject,
	"discard": pending.Discard,
}

// Resolve applies a moderator decision to one queue entry. The list is
// opened under its lock for the duration of the call.
func (h *Handlers) Resolve(w http.ResponseWriter, r *http.Request) {
	var body ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	decision, ok := decisions[body.Decision]
	if !ok {
		respondError(w, http.StatusBadRequest, "decision must be defer, approve, reject or discard")
		return
	}
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid request id")
		return
	}

	l, ok := h.openListLocked(w, r)
	if !ok {
		return
	}
	defer l.Unlock()

	fx, err := list.NewSpoolEffects(l, h.notices, h.cfg.Spool.Dir)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "cannot open spool")
		return
	}

	status, err := l.Requests().Resolve(id, decision, pending.ResolveOptions{
		Comment:   body.Comment,
		Preserve:  body.Preserve,
		Forward:   body.Forward,
		ForwardTo: body.To,
	}, fx)
	if err != nil {
		if errors.Is(err, pending.ErrUnknownRequest) {
			respondError(w, http.StatusNotFound, "no such request (already resolved?)")
			return
		}
		log.Printf("api: resolving %s/%d: %v", l.Name(), id, err)
		respondError(w, http.StatusInternalServerError, "resolution failed")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"id":     id,
		"status": status.String(),
	})
}

func (h *Handlers) openList(w http.ResponseWriter, r *http.Request) (*list.List, bool) {
	name := chi.URLParam(r, "list")
	l, err := h.registry.Open(name)
	if err != nil {
		if errors.Is(err, list.ErrNoSuchList) {
			respondError(w, http.StatusNotFound, "no such list")
		} else {
			log.Printf("api: opening %s: %v", name, err)
			respondError(w, http.StatusInternalServerError, "cannot open list")
		}
		return nil, false
	}
	return l, true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
