package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"auction-realtime/internal/domain"
	"auction-realtime/pkg/logger"
	"auction-realtime/pkg/utils"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins in development
	},
}

// AuctionLookup is what the push endpoint needs to validate room joins.
type AuctionLookup interface {
	GetAuction(ctx context.Context, auctionID string) (*domain.Auction, error)
}

// WebSocketHandler serves the push protocol: clients send join_auction and
// leave_auction, the server answers joins with joined_auction and pushes
// room frames through the ConnectionManager.
type WebSocketHandler struct {
	auctions    AuctionLookup
	connManager *ConnectionManager
	log         logger.Logger
}

func NewWebSocketHandler(auctions AuctionLookup, connManager *ConnectionManager, log logger.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		auctions:    auctions,
		connManager: connManager,
		log:         log,
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("Failed to upgrade connection", "error", err)
		return
	}

	wsConn := NewWebSocketConnection(conn, utils.GenerateID("conn"))
	h.connManager.RegisterConnection(wsConn)

	go h.handleMessages(wsConn)
}

func (h *WebSocketHandler) handleMessages(conn *WebSocketConnection) {
	defer func() {
		h.connManager.UnregisterConnection(conn.ID())
		conn.Close()
	}()

	for {
		_, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Warn("Connection read failed", "conn_id", conn.ID(), "error", err)
			}
			return
		}

		frame, err := domain.DecodeFrame(data)
		if err != nil {
			h.sendError(conn, "malformed_frame", err.Error())
			continue
		}

		switch frame.Event {
		case domain.FrameJoinAuction:
			h.handleJoin(conn, frame)
		case domain.FrameLeaveAuction:
			auctionID, err := frame.Room()
			if err != nil {
				h.sendError(conn, "malformed_frame", err.Error())
				continue
			}
			h.connManager.LeaveRoom(conn.ID(), auctionID)
		default:
			h.sendError(conn, "unsupported_event", string(frame.Event))
		}
	}
}

func (h *WebSocketHandler) handleJoin(conn *WebSocketConnection, frame domain.Frame) {
	auctionID, err := frame.Room()
	if err != nil {
		h.sendError(conn, "malformed_frame", err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.auctions.GetAuction(ctx, auctionID); err != nil {
		code := "internal_error"
		if errors.Is(err, domain.ErrAuctionNotFound) {
			code = "auction_not_found"
		}
		h.log.Info("Rejected room join", "conn_id", conn.ID(), "auction_id", auctionID, "error", err)
		h.sendError(conn, code, auctionID)
		return
	}

	if !h.connManager.JoinRoom(conn.ID(), auctionID) {
		return
	}
	if err := conn.Send(domain.RoomFrame(domain.FrameJoinedAuction, auctionID)); err != nil {
		h.log.Error("Failed to acknowledge join", "conn_id", conn.ID(), "auction_id", auctionID, "error", err)
	}
}

func (h *WebSocketHandler) sendError(conn *WebSocketConnection, code, message string) {
	data, err := domain.EncodeFrame(domain.FrameError, domain.ErrorPayload{Code: code, Message: message})
	if err != nil {
		return
	}
	if err := conn.Send(data); err != nil {
		h.log.Debug("Failed to send error frame", "conn_id", conn.ID(), "error", err)
	}
}

type WebSocketConnection struct {
	conn    *websocket.Conn
	id      string
	writeMu sync.Mutex
}

func NewWebSocketConnection(conn *websocket.Conn, id string) *WebSocketConnection {
	return &WebSocketConnection{
		conn: conn,
		id:   id,
	}
}

func (wsc *WebSocketConnection) ID() string {
	return wsc.id
}

func (wsc *WebSocketConnection) Send(frame []byte) error {
	wsc.writeMu.Lock()
	defer wsc.writeMu.Unlock()

	if err := wsc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return wsc.conn.WriteMessage(websocket.TextMessage, frame)
}

func (wsc *WebSocketConnection) Close() error {
	return wsc.conn.Close()
}
