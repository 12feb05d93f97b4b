package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/erc7824/nitrolite/custodian/pkg/ca"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var getValidator = sync.OnceValue(func() *validator.Validate {
	validate := validator.New()

	if err := validate.RegisterValidation("action_type", func(fl validator.FieldLevel) bool {
		_, err := ca.ParseActionType(fmt.Sprint(fl.Field()))
		return err == nil
	}); err != nil {
		panic(fmt.Sprintf("failed to register action_type validation: %v", err))
	}
	if err := validate.RegisterValidation("hex_address", func(fl validator.FieldLevel) bool {
		return common.IsHexAddress(fl.Field().String())
	}); err != nil {
		panic(fmt.Sprintf("failed to register hex_address validation: %v", err))
	}
	return validate
})

const defaultRPCErrorMessage = "an error occurred while processing the request"

// defaultRPCMessageWriteDuration bounds how long a write may wait for a slow client.
var defaultRPCMessageWriteDuration = 5 * time.Second

// RPCHandler processes a request. Middleware calls c.Next to continue the chain.
type RPCHandler func(c *RPCContext)

// SendRPCMessageFunc sends a server-initiated message to one connection.
type SendRPCMessageFunc func(method string, params RPCDataParams)

// RPCNode is a WebSocket RPC server. It routes each request through the
// middleware of the groups enclosing its method and signs every message it
// sends. The embedded root group holds the node wide middleware.
type RPCNode struct {
	*RPCHandlerGroup

	upgrader websocket.Upgrader
	routes   map[string]rpcRoute
	signer   *Signer
	connHub  *rpcConnectionHub
	logger   Logger

	onConnectHandlers     []func(send SendRPCMessageFunc)
	onDisconnectHandlers  []func(userID string)
	onMessageSentHandlers []func()
}

type rpcRoute struct {
	group   *RPCHandlerGroup
	handler RPCHandler
}

// NewRPCNode creates a node that signs its messages with signer.
func NewRPCNode(signer *Signer, logger Logger) *RPCNode {
	n := &RPCNode{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		routes:  make(map[string]rpcRoute),
		signer:  signer,
		connHub: newRPCConnectionHub(),
		logger:  logger.NewSystem("rpc-node"),
	}
	n.RPCHandlerGroup = &RPCHandlerGroup{name: "root", node: n}
	return n
}

// OnConnect registers a handler called for every new connection.
func (n *RPCNode) OnConnect(handler func(send SendRPCMessageFunc)) {
	n.onConnectHandlers = append(n.onConnectHandlers, handler)
}

// OnDisconnect registers a handler called with the connection's user ID once it closes.
func (n *RPCNode) OnDisconnect(handler func(userID string)) {
	n.onDisconnectHandlers = append(n.onDisconnectHandlers, handler)
}

// OnMessageSent registers a handler called after each message written to a client.
func (n *RPCNode) OnMessageSent(handler func()) {
	n.onMessageSentHandlers = append(n.onMessageSentHandlers, handler)
}

// Notify sends a signed notification to every connection subscribed to
// topic. Without subscribers the notification is dropped.
func (n *RPCNode) Notify(topic, method string, params RPCDataParams) {
	message, err := prepareRawNotification(n.signer, method, params)
	if err != nil {
		n.logger.Error("failed to prepare notification message", "error", err, "topic", topic, "method", method)
		return
	}
	n.connHub.Publish(topic, message)
}

// HandleConnection upgrades the request to a WebSocket connection and serves
// it until either side closes it.
func (n *RPCNode) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := n.upgrader.Upgrade(w, r, nil)
	if err != nil {
		n.logger.Error("failed to upgrade connection to WebSocket", "error", err)
		return
	}
	defer conn.Close()

	connectionID := uuid.NewString()
	rpcConn := NewRPCConnection(connectionID, "", conn, n.logger, n.onMessageSentHandlers...)
	if err := n.connHub.Add(rpcConn); err != nil {
		n.logger.Error("failed to add connection to hub", "error", err, "connectionID", connectionID)
		return
	}

	send := n.sendFunc(rpcConn)
	for _, handler := range n.onConnectHandlers {
		handler(send)
	}

	defer func() {
		userID := rpcConn.UserID()
		n.connHub.Remove(connectionID)
		for _, handler := range n.onDisconnectHandlers {
			handler(userID)
		}
		n.logger.Info("connection closed", "connectionID", connectionID, "userID", userID)
	}()

	ctx, cancel := context.WithCancel(r.Context())
	var wg sync.WaitGroup
	wg.Add(2)
	done := func() {
		cancel()
		wg.Done()
	}

	go rpcConn.Serve(ctx, done)
	go n.processMessages(ctx, rpcConn, done)

	wg.Wait()
}

func (n *RPCNode) processMessages(ctx context.Context, rpcConn *RPCConnection, done context.CancelFunc) {
	defer done()
	storage := NewSafeStorage()

	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-rpcConn.ProcessSink():
			if !ok || len(raw) == 0 {
				return
			}
			n.dispatch(ctx, rpcConn, storage, raw)
		}
	}
}

// dispatch runs one request against its handler chain and writes the
// signed response. A user ID set by the chain is bound to the connection.
func (n *RPCNode) dispatch(ctx context.Context, rpcConn *RPCConnection, storage *SafeStorage, raw []byte) {
	msg, err := parseRequest(raw)
	if err != nil {
		n.logger.Debug("rejected message", "error", err, "message", string(raw))
		n.sendErrorResponse(rpcConn, msg.requestID(), err.Error())
		return
	}

	handlers, err := n.resolve(msg.Req.Method)
	if err != nil {
		n.logger.Debug("no handler found for method", "method", msg.Req.Method)
		n.sendErrorResponse(rpcConn, msg.Req.RequestID, err.Error())
		return
	}

	c := &RPCContext{
		Context:      ctx,
		ConnectionID: rpcConn.ConnectionID(),
		UserID:       rpcConn.UserID(),
		Signer:       n.signer,
		Message:      msg,
		Storage:      storage,
		node:         n,
		handlers:     handlers,
	}
	c.Next()

	response, err := c.GetRawResponse()
	if err != nil {
		n.logger.Error("failed to prepare response", "error", err, "method", msg.Req.Method)
		return
	}
	rpcConn.Write(response)

	if c.UserID != rpcConn.UserID() {
		if err := n.connHub.Reauthenticate(rpcConn.ConnectionID(), c.UserID); err != nil {
			n.logger.Error("failed to bind user to connection", "error", err, "userID", c.UserID)
		}
	}
}

func parseRequest(raw []byte) (RPCMessage, error) {
	msg := RPCMessage{Req: &RPCData{}}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, errors.New("invalid message format")
	}
	if err := getValidator().Struct(&msg); err != nil {
		return RPCMessage{}, errors.New("message validation failed")
	}
	if msg.Req == nil {
		return RPCMessage{}, errors.New("message request is empty")
	}
	return msg, nil
}

func (m RPCMessage) requestID() uint64 {
	if m.Req == nil {
		return 0
	}
	return m.Req.RequestID
}

// resolve returns the middleware of every group enclosing method, outermost
// first, followed by its handler.
func (n *RPCNode) resolve(method string) ([]RPCHandler, error) {
	route, ok := n.routes[method]
	if !ok {
		return nil, fmt.Errorf("unknown method: %s", method)
	}

	var groups []*RPCHandlerGroup
	for g := route.group; g != nil; g = g.parent {
		groups = append(groups, g)
	}

	var handlers []RPCHandler
	for i := len(groups) - 1; i >= 0; i-- {
		handlers = append(handlers, groups[i].middleware...)
	}
	return append(handlers, route.handler), nil
}

func (n *RPCNode) sendFunc(conn *RPCConnection) SendRPCMessageFunc {
	return func(method string, params RPCDataParams) {
		message, err := prepareRawNotification(n.signer, method, params)
		if err != nil {
			n.logger.Error("failed to prepare notification message", "error", err, "method", method)
			return
		}
		conn.Write(message)
	}
}

// sendErrorResponse answers protocol level errors found before routing.
// Without a request ID the current time stands in for it.
func (n *RPCNode) sendErrorResponse(conn *RPCConnection, requestID uint64, message string) {
	if requestID == 0 {
		requestID = uint64(time.Now().UnixMilli())
	}

	response, err := prepareRawRPCResponse(n.signer, &RPCData{
		RequestID: requestID,
		Method:    "error",
		Params:    ErrorResponse{Error: message},
		Timestamp: uint64(time.Now().UnixMilli()),
	})
	if err != nil {
		n.logger.Error("failed to prepare error response", "error", err)
		return
	}
	conn.Write(response)
}

// RPCHandlerGroup is a set of methods sharing middleware. Groups nest and a
// nested group runs the middleware of all its parents first. Middleware added
// after Handle still applies to the group's methods.
type RPCHandlerGroup struct {
	name       string
	node       *RPCNode
	parent     *RPCHandlerGroup
	middleware []RPCHandler
}

// NewGroup creates a group nested in hg.
// Example: opGroup := node.NewGroup("operator"); opGroup.Use(operatorMiddleware)
func (hg *RPCHandlerGroup) NewGroup(name string) *RPCHandlerGroup {
	return &RPCHandlerGroup{name: name, node: hg.node, parent: hg}
}

// Handle registers handler for method. Registering a method again replaces it.
func (hg *RPCHandlerGroup) Handle(method string, handler RPCHandler) {
	if method == "" {
		panic("Websocket method cannot be empty")
	}
	if handler == nil {
		panic(fmt.Sprintf("Websocket handler cannot be nil for method %s", method))
	}
	hg.node.routes[method] = rpcRoute{group: hg, handler: handler}
}

// Use appends middleware to the group.
func (hg *RPCHandlerGroup) Use(middleware RPCHandler) {
	if middleware == nil {
		panic(fmt.Sprintf("Websocket middleware cannot be nil for group %s", hg.name))
	}
	hg.middleware = append(hg.middleware, middleware)
}

// RPCContext carries one request through its handler chain.
type RPCContext struct {
	Context context.Context
	// ConnectionID identifies the connection the request arrived on
	ConnectionID string
	// UserID is the identity bound to the connection, empty if none
	UserID  string
	Signer  *Signer
	Message RPCMessage
	// Storage is shared by all requests of the connection
	Storage *SafeStorage

	node     *RPCNode
	handlers []RPCHandler
}

// Next runs the next handler of the chain.
func (c *RPCContext) Next() {
	if len(c.handlers) == 0 {
		return
	}

	handler := c.handlers[0]
	c.handlers = c.handlers[1:]
	handler(c)
}

// Succeed sets a successful response.
func (c *RPCContext) Succeed(method string, params RPCDataParams) {
	c.Message.Res = &RPCData{
		RequestID: c.Message.Req.RequestID,
		Method:    method,
		Params:    params,
		Timestamp: uint64(time.Now().UnixMilli()),
	}
}

// Fail sets an error response. The message of an RPCError is sent to the
// client as is; any other error is replaced by fallbackMessage, or by a
// generic message when that is empty.
func (c *RPCContext) Fail(err error, fallbackMessage string) {
	message := fallbackMessage
	var rpcErr RPCError
	if errors.As(err, &rpcErr) {
		message = rpcErr.Error()
	}
	if message == "" {
		message = defaultRPCErrorMessage
	}

	c.Message.Res = &RPCData{
		RequestID: c.Message.Req.RequestID,
		Method:    "error",
		Params:    ErrorResponse{Error: message},
		Timestamp: uint64(time.Now().UnixMilli()),
	}
}

// Subscribe adds the request's connection to topic.
func (c *RPCContext) Subscribe(topic string) error {
	if c.node == nil {
		return errors.New("context is not bound to a node")
	}
	return c.node.connHub.Subscribe(c.ConnectionID, topic)
}

// GetRawResponse returns the signed response message.
func (c *RPCContext) GetRawResponse() ([]byte, error) {
	return prepareRawRPCResponse(c.Signer, c.Message.Res)
}

// prepareRawRPCResponse signs the array form of data and wraps it into an RPCMessage.
func prepareRawRPCResponse(signer *Signer, data *RPCData) ([]byte, error) {
	if data == nil {
		return nil, errors.New("response data is nil")
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response data: %w", err)
	}
	signature, err := signer.Sign(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to sign response data: %w", err)
	}

	// The payload is embedded verbatim so the signature covers the bytes sent.
	message, err := json.Marshal(struct {
		Res json.RawMessage `json:"res"`
		Sig []Signature     `json:"sig"`
	}{Res: payload, Sig: []Signature{signature}})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal response message: %w", err)
	}
	return message, nil
}

// prepareRawNotification signs a server-initiated message. Notifications carry request ID 0.
func prepareRawNotification(signer *Signer, method string, params RPCDataParams) ([]byte, error) {
	if params == nil {
		params = struct{}{}
	}
	return prepareRawRPCResponse(signer, &RPCData{
		Method:    method,
		Params:    params,
		Timestamp: uint64(time.Now().UnixMilli()),
	})
}

// SafeStorage is a mutex protected key-value store for per-connection state.
type SafeStorage struct {
	mu      sync.RWMutex
	storage map[string]any
}

func NewSafeStorage() *SafeStorage {
	return &SafeStorage{storage: make(map[string]any)}
}

func (s *SafeStorage) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.storage[key] = value
}

// Get returns the value stored under key and whether it is set.
func (s *SafeStorage) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.storage[key]
	return v, ok && v != nil
}
