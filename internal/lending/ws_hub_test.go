package lending

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/lending-engine/internal/oracle"
)

func dialHub(t *testing.T, hub *WSHub) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	t.Cleanup(srv.Close)
	return dial(t, hub, srv.URL, 1)
}

// dial connects to srv and waits until the hub holds want clients.
func dial(t *testing.T, hub *WSHub, srvURL string, want int) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srvURL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return hub.Clients() == want }, 2*time.Second, 10*time.Millisecond)
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var ev Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestHubBroadcastsLedgerEvents(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewWSHub()
	go hub.Run(ctx)
	conn := dialHub(t, hub)

	e := newEnv(t, nil)
	e.ctrl.hub = hub

	_, err := e.ctrl.Init(ctx, "lena")
	require.NoError(t, err)
	ev := readEvent(t, conn)
	assert.Equal(t, EventObligationOpened, ev.Type)
	assert.Equal(t, "lena", ev.Owner)

	_, err = e.ctrl.Deposit(ctx, "lena", assetA, 5, nil)
	require.NoError(t, err)
	ev = readEvent(t, conn)
	assert.Equal(t, EventOperationCommitted, ev.Type)
	assert.Equal(t, "5", ev.Amount)
	assert.True(t, ev.Unbounded)

	hub.PriceRefreshed(feedA, oracle.ParsedPrice{FeedID: feedA, Price: 12345, Expo: -2, PublishTime: time.Unix(1_700_000_000, 0)})
	ev = readEvent(t, conn)
	assert.Equal(t, EventPriceRefreshed, ev.Type)
	assert.Equal(t, "123.45", ev.Price)
	assert.Equal(t, feedA.String(), ev.FeedID)
}

func TestHubStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewWSHub()
	go hub.Run(ctx)
	dialHub(t, hub)

	cancel()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
	hub.Broadcast(Event{Type: EventObligationClosed}) // must not block
}

func TestHubScopesOwnerEventsToSubject(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewWSHub()
	go hub.Run(ctx)

	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: "ws-secret-0123456789"})
	srv := httptest.NewServer(auth.RequireSubject()(http.HandlerFunc(hub.HandleWS)))
	t.Cleanup(srv.Close)

	issue := func(sub string, scopes ...string) string {
		tok, err := auth.Issue(sub, scopes, time.Hour)
		require.NoError(t, err)
		return tok
	}
	alice := dial(t, hub, srv.URL+"?access_token="+issue("alice"), 1)
	admin := dial(t, hub, srv.URL+"?access_token="+issue("root", ScopeAdmin), 2)

	hub.Broadcast(Event{Type: EventOperationCommitted, Owner: "bob", Amount: "1"})
	hub.Broadcast(Event{Type: EventOperationCommitted, Owner: "alice", Amount: "2"})
	hub.PriceRefreshed(feedA, oracle.ParsedPrice{FeedID: feedA, Price: 1, PublishTime: time.Unix(1_700_000_000, 0)})

	// Bob's event never reaches alice: her first message is her own.
	ev := readEvent(t, alice)
	assert.Equal(t, "alice", ev.Owner)
	assert.Equal(t, "2", ev.Amount)
	assert.Equal(t, EventPriceRefreshed, readEvent(t, alice).Type)

	assert.Equal(t, "bob", readEvent(t, admin).Owner)
	assert.Equal(t, "alice", readEvent(t, admin).Owner)
	assert.Equal(t, EventPriceRefreshed, readEvent(t, admin).Type)
}

func TestHubRejectsAnonymousClients(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewWSHub()
	go hub.Run(ctx)

	auth := NewAuthenticator(AuthConfig{Enabled: true, HMACSecret: "ws-secret-0123456789"})
	srv := httptest.NewServer(auth.RequireSubject()(http.HandlerFunc(hub.HandleWS)))
	t.Cleanup(srv.Close)

	_, resp, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, 0, hub.Clients())
}
