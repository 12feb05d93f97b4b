package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const connectionQueueSize = 10

// RPCConnection is one client socket. Frames read from the client are queued
// on processSink for the node, frames for the client are queued on writeSink.
type RPCConnection struct {
	connectionID          string
	websocketConn         *websocket.Conn
	logger                Logger
	onMessageSentHandlers []func()

	writeSink   chan []byte
	processSink chan []byte
	// closeConnCh asks Serve to drop the client.
	closeConnCh chan struct{}

	userMu sync.RWMutex
	userID string
}

func NewRPCConnection(connID, userID string, websocketConn *websocket.Conn, logger Logger, onMessageSentHandlers ...func()) *RPCConnection {
	return &RPCConnection{
		connectionID:          connID,
		userID:                userID,
		websocketConn:         websocketConn,
		logger:                logger.With("connectionID", connID),
		onMessageSentHandlers: onMessageSentHandlers,
		writeSink:             make(chan []byte, connectionQueueSize),
		processSink:           make(chan []byte, connectionQueueSize),
		closeConnCh:           make(chan struct{}, 1),
	}
}

// Serve pumps frames until the client goes away, the server drops it or
// parentCtx ends. onDone runs after the socket is closed.
func (conn *RPCConnection) Serve(parentCtx context.Context, onDone func()) {
	defer onDone()

	ctx, stop := context.WithCancel(parentCtx)
	defer stop()

	go conn.readMessages(ctx, stop)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer stop()
		conn.writeMessages(ctx)
	}()
	go func() {
		defer wg.Done()
		defer stop()
		select {
		case <-ctx.Done():
		case <-conn.closeConnCh:
			conn.logger.Info("dropping client that stopped reading")
		}
	}()
	wg.Wait()

	if err := conn.websocketConn.Close(); err != nil {
		conn.logger.Error("failed to close websocket", "error", err)
	}
}

func (conn *RPCConnection) ConnectionID() string {
	return conn.connectionID
}

// UserID returns the operator address the connection authenticated as, if any.
func (conn *RPCConnection) UserID() string {
	conn.userMu.RLock()
	defer conn.userMu.RUnlock()
	return conn.userID
}

func (conn *RPCConnection) SetUserID(userID string) {
	conn.userMu.Lock()
	conn.userID = userID
	conn.userMu.Unlock()
}

// ProcessSink yields client frames; it is closed when the socket stops reading.
func (conn *RPCConnection) ProcessSink() <-chan []byte {
	return conn.processSink
}

// readMessages is the only sender on processSink. Empty frames are dropped.
func (conn *RPCConnection) readMessages(ctx context.Context, stop context.CancelFunc) {
	defer stop()
	defer close(conn.processSink)

	for {
		_, frame, err := conn.websocketConn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				conn.logger.Warn("client connection lost", "error", err)
			}
			return
		}
		if len(frame) == 0 {
			continue
		}

		select {
		case conn.processSink <- frame:
		case <-ctx.Done():
			return
		}
	}
}

// writeMessages drains writeSink onto the socket and runs the sent hooks
// for every delivered frame.
func (conn *RPCConnection) writeMessages(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-conn.writeSink:
			if len(frame) == 0 {
				continue
			}
			if err := conn.websocketConn.WriteMessage(websocket.TextMessage, frame); err != nil {
				conn.logger.Error("failed to write frame", "error", err)
				continue
			}
			for _, sent := range conn.onMessageSentHandlers {
				sent()
			}
		}
	}
}

// Write queues message for the client. A client whose queue stays full for
// defaultRPCMessageWriteDuration is dropped and the message is discarded.
func (conn *RPCConnection) Write(message []byte) {
	timer := time.NewTimer(defaultRPCMessageWriteDuration)
	defer timer.Stop()

	select {
	case conn.writeSink <- message:
	case <-timer.C:
		select {
		case conn.closeConnCh <- struct{}{}:
		default:
		}
	}
}

// connSet is a set of connection IDs.
type connSet map[string]struct{}

// rpcConnectionHub indexes live connections by ID, by the operator they
// authenticated as and by the ledger topics they watch.
type rpcConnectionHub struct {
	mu          sync.RWMutex
	connections map[string]*RPCConnection
	connsByUser map[string]connSet
	topics      map[string]connSet
}

func newRPCConnectionHub() *rpcConnectionHub {
	return &rpcConnectionHub{
		connections: map[string]*RPCConnection{},
		connsByUser: map[string]connSet{},
		topics:      map[string]connSet{},
	}
}

func (hub *rpcConnectionHub) Add(conn *RPCConnection) error {
	id := conn.ConnectionID()

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.connections[id] != nil {
		return fmt.Errorf("connection %s is already registered", id)
	}
	hub.connections[id] = conn
	join(hub.connsByUser, conn.UserID(), id)
	return nil
}

// Reauthenticate binds connection connID to userID, replacing its previous user.
func (hub *rpcConnectionHub) Reauthenticate(connID, userID string) error {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	conn := hub.connections[connID]
	if conn == nil {
		return fmt.Errorf("unknown connection %s", connID)
	}
	leave(hub.connsByUser, conn.UserID(), connID)
	conn.SetUserID(userID)
	join(hub.connsByUser, userID, connID)
	return nil
}

// Get returns the connection with connID, or nil.
func (hub *rpcConnectionHub) Get(connID string) *RPCConnection {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return hub.connections[connID]
}

// Remove forgets a connection together with its user binding and topics.
func (hub *rpcConnectionHub) Remove(connID string) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	conn := hub.connections[connID]
	if conn == nil {
		return
	}
	delete(hub.connections, connID)
	leave(hub.connsByUser, conn.UserID(), connID)
	for topic := range hub.topics {
		leave(hub.topics, topic, connID)
	}
}

// Subscribe adds connID to topic; repeated subscriptions are kept once.
func (hub *rpcConnectionHub) Subscribe(connID, topic string) error {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.connections[connID] == nil {
		return fmt.Errorf("unknown connection %s", connID)
	}
	join(hub.topics, topic, connID)
	return nil
}

func (hub *rpcConnectionHub) Unsubscribe(connID, topic string) {
	hub.mu.Lock()
	leave(hub.topics, topic, connID)
	hub.mu.Unlock()
}

// Subscribers counts the connections watching topic.
func (hub *rpcConnectionHub) Subscribers(topic string) int {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	return len(hub.topics[topic])
}

// Publish queues message on every connection watching topic. Writes happen
// outside the lock since a slow client may block for the write timeout.
func (hub *rpcConnectionHub) Publish(topic string, message []byte) {
	hub.mu.RLock()
	var targets []*RPCConnection
	for id := range hub.topics[topic] {
		if conn := hub.connections[id]; conn != nil && conn.writeSink != nil {
			targets = append(targets, conn)
		}
	}
	hub.mu.RUnlock()

	for _, conn := range targets {
		conn.Write(message)
	}
}

// join adds id under key. Empty keys are ignored.
func join(index map[string]connSet, key, id string) {
	if key == "" {
		return
	}
	set := index[key]
	if set == nil {
		set = connSet{}
		index[key] = set
	}
	set[id] = struct{}{}
}

// leave removes id from key and drops the key once its set is empty.
func leave(index map[string]connSet, key, id string) {
	set := index[key]
	if set == nil {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(index, key)
	}
}
