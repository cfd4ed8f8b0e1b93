package websocket

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xogrid/server/internal/matchmaker"
	"github.com/xogrid/server/internal/notify"
	"github.com/xogrid/server/internal/session"
	"github.com/xogrid/server/internal/settlement"
	"github.com/xogrid/server/internal/storage"
)

type frame struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
	Code  string          `json:"code"`
}

type harness struct {
	hub    *Hub
	server *httptest.Server
	left   chan int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	store := storage.NewMemoryStore()
	hub := NewHub()
	mm := matchmaker.NewMatchmaker(store, hub, matchmaker.Config{})
	coord := session.NewCoordinator(store, mm, settlement.NewSettler(store, hub), hub, nil)

	h := &harness{hub: hub, left: make(chan int64, 4)}
	hub.SetOnDisconnect(func(playerID int64) {
		coord.LeaveQueue(context.Background(), playerID)
		h.left <- playerID
	})
	go hub.Run(ctx)

	handler := NewHandler(hub, coord)
	h.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, handler, w, r)
	}))
	t.Cleanup(h.server.Close)
	return h
}

func (h *harness) dial(t *testing.T, player int64) *websocket.Conn {
	t.Helper()
	url := fmt.Sprintf("ws%s?player=%d", strings.TrimPrefix(h.server.URL, "http"), player)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.Eventually(t, func() bool { return h.hub.Connected(player) }, time.Second, 5*time.Millisecond)
	return conn
}

func send(t *testing.T, conn *websocket.Conn, msg any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

// readUntil skips frames until one of the wanted type arrives
func readUntil(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for {
		var f frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Type == typ {
			return f
		}
	}
}

func TestJoinAndPlayOverWebSocket(t *testing.T) {
	h := newHarness(t)
	alice := h.dial(t, 1)
	bob := h.dial(t, 2)

	send(t, alice, IncomingMessage{Type: TypeJoin, GameType: "ranked"})
	readUntil(t, alice, string(notify.KindQueued))
	f := readUntil(t, alice, TypeJoinResult)
	assert.Contains(t, string(f.Data), `"queued"`)

	send(t, bob, IncomingMessage{Type: TypeJoin, GameType: "trophy"})
	f = readUntil(t, bob, TypeJoinResult)
	var joined session.JoinResult
	require.NoError(t, json.Unmarshal(f.Data, &joined))
	require.Equal(t, session.StatusMatchCreated, joined.Status)
	matchID := joined.Match.ID

	started := readUntil(t, alice, string(notify.KindMatchStarted))
	assert.Contains(t, string(started.Data), matchID)

	send(t, bob, IncomingMessage{Type: TypeMove, MatchID: matchID, Row: 0, Col: 0})
	f = readUntil(t, bob, TypeError)
	assert.Equal(t, "NOT_YOUR_TURN", f.Code)

	send(t, alice, IncomingMessage{Type: TypeMove, MatchID: matchID, Row: 1, Col: 1})
	readUntil(t, alice, TypeMoveResult)
	readUntil(t, bob, string(notify.KindMoveApplied))

	send(t, bob, IncomingMessage{Type: TypeView, MatchID: matchID})
	f = readUntil(t, bob, TypeMatchView)
	assert.Contains(t, string(f.Data), `"yourTurn":true`)
}

func TestRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, 7)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{")))
	f := readUntil(t, conn, TypeError)
	assert.Equal(t, "BAD_REQUEST", f.Code)

	send(t, conn, IncomingMessage{Type: TypeJoin, GameType: "chess"})
	f = readUntil(t, conn, TypeError)
	assert.Equal(t, "INVALID_GAME_TYPE", f.Code)

	send(t, conn, IncomingMessage{Type: "dance"})
	f = readUntil(t, conn, TypeError)
	assert.Equal(t, "BAD_REQUEST", f.Code)

	resp, err := http.Get(h.server.URL + "?player=abc")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDisconnectLeavesQueue(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t, 3)

	send(t, conn, IncomingMessage{Type: TypeJoin, GameType: "ranked"})
	readUntil(t, conn, TypeJoinResult)
	conn.Close()

	select {
	case id := <-h.left:
		assert.Equal(t, int64(3), id)
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback not called")
	}
	assert.False(t, h.hub.Connected(3))
}

func TestNotifyWithoutConnectionIsDropped(t *testing.T) {
	hub := NewHub()
	hub.Notify(context.Background(), 42, notify.KindQueued, nil)
	assert.Zero(t, hub.ClientCount())
}
