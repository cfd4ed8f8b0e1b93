package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/xogrid/server/internal/game"
	"github.com/xogrid/server/internal/session"
)

// Inbound message types
const (
	TypeJoin  = "join"
	TypeMove  = "move"
	TypeView  = "view"
	TypeLeave = "leave"
)

// Reply types
const (
	TypeJoinResult = "join_result"
	TypeMoveResult = "move_result"
	TypeMatchView  = "match_view"
	TypeLeft       = "left"
	TypeError      = "error"
)

const requestTimeout = 10 * time.Second

// IncomingMessage represents a message from the client
type IncomingMessage struct {
	Type     string `json:"type"`
	GameType string `json:"gameType,omitempty"`
	MatchID  string `json:"matchId,omitempty"`
	Row      int    `json:"row"`
	Col      int    `json:"col"`
}

// Handler processes WebSocket messages
type Handler struct {
	hub   *Hub
	coord *session.Coordinator
}

// NewHandler creates a new message handler
func NewHandler(hub *Hub, coord *session.Coordinator) *Handler {
	return &Handler{hub: hub, coord: coord}
}

// HandleMessage processes an incoming message
func (h *Handler) HandleMessage(client *Client, data []byte) {
	var msg IncomingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.hub.reply(client, Message{Type: TypeError, Error: "invalid message format", Code: "BAD_REQUEST"})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch msg.Type {
	case TypeJoin:
		h.handleJoin(ctx, client, msg)
	case TypeMove:
		h.handleMove(ctx, client, msg)
	case TypeView:
		view, err := h.coord.GetMatchView(ctx, msg.MatchID, client.playerID)
		if err != nil {
			h.replyError(client, err)
			return
		}
		h.hub.reply(client, Message{Type: TypeMatchView, Data: view})
	case TypeLeave:
		left, err := h.coord.LeaveQueue(ctx, client.playerID)
		if err != nil {
			h.replyError(client, err)
			return
		}
		h.hub.reply(client, Message{Type: TypeLeft, Data: map[string]bool{"left": left}})
	default:
		h.hub.reply(client, Message{Type: TypeError, Error: "unknown message type", Code: "BAD_REQUEST"})
	}
}

func (h *Handler) handleJoin(ctx context.Context, client *Client, msg IncomingMessage) {
	t, err := game.ParseGameType(msg.GameType)
	if err != nil {
		h.replyError(client, err)
		return
	}
	res, err := h.coord.JoinQueue(ctx, client.playerID, t)
	if err != nil {
		h.replyError(client, err)
		return
	}
	h.hub.reply(client, Message{Type: TypeJoinResult, Data: res})
}

func (h *Handler) handleMove(ctx context.Context, client *Client, msg IncomingMessage) {
	if msg.MatchID == "" {
		h.hub.reply(client, Message{Type: TypeError, Error: "matchId required", Code: "BAD_REQUEST"})
		return
	}
	res, err := h.coord.SubmitMove(ctx, msg.MatchID, client.playerID, msg.Row, msg.Col)
	if err != nil && !errors.Is(err, game.ErrTimeoutForfeit) {
		h.replyError(client, err)
		return
	}
	reply := Message{Type: TypeMoveResult, Data: res}
	if err != nil {
		reply.Error, reply.Code = err.Error(), game.Code(err)
	}
	h.hub.reply(client, reply)
}

func (h *Handler) replyError(client *Client, err error) {
	code := game.Code(err)
	if code == "" {
		log.Printf("[WebSocket] Request from player %d failed: %v", client.playerID, err)
		h.hub.reply(client, Message{Type: TypeError, Error: "internal error", Code: "INTERNAL"})
		return
	}
	h.hub.reply(client, Message{Type: TypeError, Error: err.Error(), Code: code})
}
