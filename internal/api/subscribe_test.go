package api

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/listd/internal/list"
)

func TestSubscribeConfirmFlow(t *testing.T) {
	f := newFixture(t)
	l, err := f.registry.Create("dev", "example.com", nil, 0)
	require.NoError(t, err)
	l.Unlock()

	var pended map[string]string
	resp := f.post(t, "/api/lists/dev/subscribe",
		SubscribeRequest{Address: "new@example.com", Fullname: "New"}, &pended)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	cookie := pended["cookie"]
	require.NotEmpty(t, cookie)

	// Nothing changes until the cookie comes back.
	reopened, err := f.registry.Open("dev")
	require.NoError(t, err)
	assert.False(t, reopened.IsMember("new@example.com"))

	var confirmed map[string]string
	resp = f.post(t, "/api/lists/dev/confirm/"+cookie, struct{}{}, &confirmed)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "subscribed", confirmed["status"])

	reopened, err = f.registry.Open("dev")
	require.NoError(t, err)
	assert.True(t, reopened.IsMember("new@example.com"))

	// The cookie was expunged on use.
	resp = f.post(t, "/api/lists/dev/confirm/"+cookie, struct{}{}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestSubscribeApprovalRequiredGoesToQueue(t *testing.T) {
	f := newFixture(t)
	l, err := f.registry.Create("dev", "example.com", nil, 0)
	require.NoError(t, err)
	l.State().SubscribeApprovalRequired = true
	require.NoError(t, l.Save())
	l.Unlock()

	var pended map[string]string
	resp := f.post(t, "/api/lists/dev/subscribe",
		SubscribeRequest{Address: "new@example.com"}, &pended)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var held map[string]interface{}
	resp = f.post(t, "/api/lists/dev/confirm/"+pended["cookie"], struct{}{}, &held)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// In the moderator queue, not on the roster.
	reopened, err := f.registry.Open("dev")
	require.NoError(t, err)
	assert.False(t, reopened.IsMember("new@example.com"))
	assert.Equal(t, 1, reopened.Requests().Len())
}

func TestSubscribeExistingMember(t *testing.T) {
	f := newFixture(t)
	l, err := f.registry.Create("dev", "example.com", nil, 0)
	require.NoError(t, err)
	require.NoError(t, l.AddMember(list.Member{Address: "a@example.com"}))
	l.Unlock()

	resp := f.post(t, "/api/lists/dev/subscribe", SubscribeRequest{Address: "a@example.com"}, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestUnsubscribeConfirmFlow(t *testing.T) {
	f := newFixture(t)
	l, err := f.registry.Create("dev", "example.com", nil, 0)
	require.NoError(t, err)
	require.NoError(t, l.AddMember(list.Member{Address: "old@example.com"}))
	l.Unlock()

	var pended map[string]string
	resp := f.post(t, "/api/lists/dev/unsubscribe",
		map[string]string{"address": "old@example.com"}, &pended)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = f.post(t, "/api/lists/dev/confirm/"+pended["cookie"], struct{}{}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	reopened, err := f.registry.Open("dev")
	require.NoError(t, err)
	assert.False(t, reopened.IsMember("old@example.com"))
}

func TestUnsubscribeNonMember(t *testing.T) {
	f := newFixture(t)
	l, err := f.registry.Create("dev", "example.com", nil, 0)
	require.NoError(t, err)
	l.Unlock()

	resp := f.post(t, "/api/lists/dev/unsubscribe",
		map[string]string{"address": "ghost@example.com"}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConfirmUnknownCookie(t *testing.T) {
	f := newFixture(t)
	l, err := f.registry.Create("dev", "example.com", nil, 0)
	require.NoError(t, err)
	l.Unlock()

	resp := f.post(t, "/api/lists/dev/confirm/not-a-cookie", struct{}{}, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
