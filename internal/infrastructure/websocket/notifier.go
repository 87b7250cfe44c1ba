package websocket

import (
	"context"
)

// WebSocketNotifier delivers frames to the rooms of this process. It is the
// in-process domain.FramePublisher used when Redis fan-out is disabled, and
// the frame handler of the Redis subscriber when it is enabled.
type WebSocketNotifier struct {
	connManager *ConnectionManager
}

func NewWebSocketNotifier(connManager *ConnectionManager) *WebSocketNotifier {
	return &WebSocketNotifier{connManager: connManager}
}

// PublishFrame broadcasts to one room, or to every connection when auctionID
// is empty.
func (n *WebSocketNotifier) PublishFrame(ctx context.Context, auctionID string, frame []byte) error {
	return n.Deliver(auctionID, frame)
}

func (n *WebSocketNotifier) Deliver(auctionID string, frame []byte) error {
	if auctionID == "" {
		n.connManager.BroadcastAll(frame)
		return nil
	}
	n.connManager.BroadcastToAuction(auctionID, frame)
	return nil
}
