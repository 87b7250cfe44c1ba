package websocket

import (
	"sort"
	"sync"

	"auction-realtime/pkg/logger"
)

// Connection is a server side push connection as seen by the room hub.
type Connection interface {
	ID() string
	Send(frame []byte) error
	Close() error
}

// ConnectionManager tracks push connections and the auction rooms each one
// joined.
type ConnectionManager struct {
	connections map[string]Connection            // connID -> connection
	rooms       map[string]map[string]Connection // auctionID -> connID -> connection
	memberOf    map[string]map[string]struct{}   // connID -> auctionIDs
	mutex       sync.RWMutex
	log         logger.Logger
}

func NewConnectionManager(log logger.Logger) *ConnectionManager {
	return &ConnectionManager{
		connections: make(map[string]Connection),
		rooms:       make(map[string]map[string]Connection),
		memberOf:    make(map[string]map[string]struct{}),
		log:         log,
	}
}

func (cm *ConnectionManager) RegisterConnection(conn Connection) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	cm.connections[conn.ID()] = conn
	cm.memberOf[conn.ID()] = make(map[string]struct{})
	cm.log.Info("Connection registered", "conn_id", conn.ID())
}

// UnregisterConnection removes the connection from every room it joined.
func (cm *ConnectionManager) UnregisterConnection(connID string) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	for auctionID := range cm.memberOf[connID] {
		cm.leaveLocked(connID, auctionID)
	}
	delete(cm.memberOf, connID)
	delete(cm.connections, connID)
	cm.log.Info("Connection unregistered", "conn_id", connID)
}

func (cm *ConnectionManager) JoinRoom(connID, auctionID string) bool {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	conn, ok := cm.connections[connID]
	if !ok {
		return false
	}
	if cm.rooms[auctionID] == nil {
		cm.rooms[auctionID] = make(map[string]Connection)
	}
	cm.rooms[auctionID][connID] = conn
	cm.memberOf[connID][auctionID] = struct{}{}
	cm.log.Debug("Joined room", "conn_id", connID, "auction_id", auctionID)
	return true
}

func (cm *ConnectionManager) LeaveRoom(connID, auctionID string) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()
	cm.leaveLocked(connID, auctionID)
}

func (cm *ConnectionManager) leaveLocked(connID, auctionID string) {
	if members, exists := cm.rooms[auctionID]; exists {
		delete(members, connID)
		if len(members) == 0 {
			delete(cm.rooms, auctionID)
		}
	}
	if rooms, exists := cm.memberOf[connID]; exists {
		delete(rooms, auctionID)
	}
}

// CloseRoom drops every membership of auctionID. Connections stay open.
func (cm *ConnectionManager) CloseRoom(auctionID string) {
	cm.mutex.Lock()
	defer cm.mutex.Unlock()

	for connID := range cm.rooms[auctionID] {
		delete(cm.memberOf[connID], auctionID)
	}
	delete(cm.rooms, auctionID)
	cm.log.Info("Room closed", "auction_id", auctionID)
}

func (cm *ConnectionManager) GetConnectionsForAuction(auctionID string) []Connection {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	var connections []Connection
	for _, conn := range cm.rooms[auctionID] {
		connections = append(connections, conn)
	}
	return connections
}

// RoomsOf returns the auctions connID joined, sorted.
func (cm *ConnectionManager) RoomsOf(connID string) []string {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()

	ids := make([]string, 0, len(cm.memberOf[connID]))
	for id := range cm.memberOf[connID] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (cm *ConnectionManager) ConnectionCount() int {
	cm.mutex.RLock()
	defer cm.mutex.RUnlock()
	return len(cm.connections)
}

// BroadcastToAuction sends frame to every member of the room. A failed send
// does not stop the others.
func (cm *ConnectionManager) BroadcastToAuction(auctionID string, frame []byte) int {
	connections := cm.GetConnectionsForAuction(auctionID)

	sent := 0
	for _, conn := range connections {
		if err := conn.Send(frame); err != nil {
			cm.log.Error("Failed to send frame", "conn_id", conn.ID(), "auction_id", auctionID, "error", err)
			continue
		}
		sent++
	}
	cm.log.Debug("Broadcast to auction", "auction_id", auctionID, "recipients", sent)
	return sent
}

// BroadcastAll sends frame to every connection regardless of membership.
func (cm *ConnectionManager) BroadcastAll(frame []byte) int {
	cm.mutex.RLock()
	connections := make([]Connection, 0, len(cm.connections))
	for _, conn := range cm.connections {
		connections = append(connections, conn)
	}
	cm.mutex.RUnlock()

	sent := 0
	for _, conn := range connections {
		if err := conn.Send(frame); err == nil {
			sent++
		}
	}
	return sent
}

// DropAll closes every connection without a close handshake. The dev server
// uses it to exercise client reconnection.
func (cm *ConnectionManager) DropAll() int {
	cm.mutex.RLock()
	connections := make([]Connection, 0, len(cm.connections))
	for _, conn := range cm.connections {
		connections = append(connections, conn)
	}
	cm.mutex.RUnlock()

	for _, conn := range connections {
		if err := conn.Close(); err != nil {
			cm.log.Error("Failed to close connection", "conn_id", conn.ID(), "error", err)
		}
	}
	if len(connections) > 0 {
		cm.log.Warn("Dropped all connections", "count", len(connections))
	}
	return len(connections)
}
