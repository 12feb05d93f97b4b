package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/erc7824/nitrolite/custodian/pkg/ca"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSignal struct {
	signalCh chan struct{}
}

func newTestSignal() *testSignal {
	return &testSignal{
		signalCh: make(chan struct{}, 5),
	}
}

func (ts *testSignal) trigger() {
	ts.signalCh <- struct{}{}
}

func (ts *testSignal) await() bool {
	select {
	case <-ts.signalCh:
		return true
	case <-time.After(500 * time.Millisecond):
		return false
	}
}

// wsClient is a test client speaking the signed RPC protocol.
type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func dialTestNode(t *testing.T, node *RPCNode) *wsClient {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(node.HandleConnection))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	return &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(id uint64, method string, params any, signers ...*Signer) {
	c.t.Helper()
	if params == nil {
		params = map[string]any{}
	}

	reqBytes, err := json.Marshal(RPCData{
		RequestID: id,
		Method:    method,
		Params:    params,
		Timestamp: uint64(time.Now().UnixMilli()),
	})
	require.NoError(c.t, err)

	sigs := make([]Signature, 0, len(signers))
	for _, signer := range signers {
		sig, err := signer.Sign(reqBytes)
		require.NoError(c.t, err)
		sigs = append(sigs, sig)
	}

	msg, err := json.Marshal(map[string]any{
		"req": json.RawMessage(reqBytes),
		"sig": sigs,
	})
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, msg))
}

func (c *wsClient) receive() RPCMessage {
	c.t.Helper()

	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, raw, err := c.conn.ReadMessage()
	require.NoError(c.t, err)

	var msg RPCMessage
	require.NoError(c.t, json.Unmarshal(raw, &msg))
	require.NotNil(c.t, msg.Res)
	return msg
}

// receiveMethod reads until a message with the given method arrives.
func (c *wsClient) receiveMethod(method string) RPCMessage {
	c.t.Helper()

	for i := 0; i < 5; i++ {
		msg := c.receive()
		if msg.Res.Method == method {
			return msg
		}
	}
	c.t.Fatalf("no %s message received", method)
	return RPCMessage{}
}

func (c *wsClient) call(id uint64, method string, params any, signers ...*Signer) map[string]any {
	c.t.Helper()

	c.send(id, method, params, signers...)
	msg := c.receive()
	require.Equal(c.t, id, msg.Res.RequestID)
	require.Len(c.t, msg.Sig, 1)

	result, ok := msg.Res.Params.(map[string]any)
	require.True(c.t, ok, "params should be a map[string]any")
	return result
}

func TestRPCNodeMiddlewareChain(t *testing.T) {
	signer, err := NewSigner(testNodeKey)
	require.NoError(t, err)
	logger := NewLoggerIPFS("root.test")
	node := NewRPCNode(signer, logger)

	var mu sync.Mutex
	var trace []string
	record := func(step string) RPCHandler {
		return func(c *RPCContext) {
			mu.Lock()
			trace = append(trace, step)
			mu.Unlock()
			c.Next()
		}
	}
	echo := func(c *RPCContext) {
		mu.Lock()
		steps := append([]string(nil), trace...)
		trace = nil
		mu.Unlock()
		c.Succeed(c.Message.Req.Method, map[string]any{"steps": steps})
	}

	connected := newTestSignal()
	node.OnConnect(func(send SendRPCMessageFunc) {
		connected.trigger()
		send("hello", map[string]any{})
	})
	disconnected := newTestSignal()
	node.OnDisconnect(func(string) { disconnected.trigger() })
	sent := newTestSignal()
	node.OnMessageSent(func() { sent.trigger() })

	node.Use(record("root"))
	node.Handle("root.echo", echo)

	outer := node.NewGroup("outer")
	outer.Use(record("outer"))
	outer.Handle("outer.echo", echo)

	inner := outer.NewGroup("inner")
	inner.Use(record("inner"))
	inner.Handle("inner.echo", echo)

	client := dialTestNode(t, node)
	require.True(t, connected.await())
	assert.Equal(t, "hello", client.receive().Res.Method)
	require.True(t, sent.await())

	tests := []struct {
		method string
		steps  []any
	}{
		{"root.echo", []any{"root"}},
		{"outer.echo", []any{"root", "outer"}},
		{"inner.echo", []any{"root", "outer", "inner"}},
	}
	for i, tc := range tests {
		t.Run(tc.method, func(t *testing.T) {
			res := client.call(uint64(i+1), tc.method, nil)
			assert.Equal(t, tc.steps, res["steps"])
			assert.True(t, sent.await())
		})
	}

	t.Run("unknown method", func(t *testing.T) {
		res := client.call(10, "unknown.method", nil)
		assert.Contains(t, res["error"], "unknown method")
	})

	t.Run("invalid message format", func(t *testing.T) {
		require.NoError(t, client.conn.WriteMessage(websocket.TextMessage, []byte("{invalid json")))

		msg := client.receive()
		assert.Equal(t, "error", msg.Res.Method)
		assert.Contains(t, msg.Res.Params.(map[string]any)["error"], "invalid message format")
	})

	t.Run("disconnect", func(t *testing.T) {
		require.NoError(t, client.conn.Close())
		assert.True(t, disconnected.await())
	})
}

func TestRPCNodeCustodyFlow(t *testing.T) {
	db, cleanup := setupTestDB(t)
	t.Cleanup(cleanup)

	signer, err := NewSigner(testNodeKey)
	require.NoError(t, err)
	operator := testOperator(t)
	logger := NewLoggerIPFS("root.test")
	metrics := NewMetricsWithRegistry(prometheus.NewRegistry())

	node := NewRPCNode(signer, logger)
	config := &Config{
		mode:          ModeTest,
		chains:        testChains(),
		operators:     map[common.Address]struct{}{operator.GetAddress(): {}},
		msgExpiryTime: 60,
	}
	ledgerService, err := NewLedgerService(db, config.chains, 8, NewWSNotifier(node.Notify, logger), metrics, logger)
	require.NoError(t, err)
	NewRPCRouter(node, config, signer, ledgerService, metrics, NewRPCStore(db), logger)

	watcher := dialTestNode(t, node)
	cfg := watcher.receiveMethod("config")
	assert.Equal(t, signer.GetAddress().Hex(), cfg.Res.Params.(map[string]any)["node_address"])

	opClient := dialTestNode(t, node)
	opClient.receiveMethod("config")

	created := opClient.call(1, "create_ledger", map[string]any{"name": "ws", "chain_id": 137}, operator)
	ledgerID, ok := created["ledger_id"].(string)
	require.True(t, ok, "create_ledger result: %v", created)

	subscribed := watcher.call(1, "subscribe_ledger", map[string]any{"ledger_id": ledgerID})
	assert.Equal(t, ledgerID, subscribed["ledger_id"])
	assert.Empty(t, subscribed["custody_id"])

	party := testParty(t)
	appended := opClient.call(2, "append_action", map[string]any{
		"ledger_id": ledgerID,
		"type":      "custody_to_address",
		"args":      map[string]any{"receiver": testReceiver},
		"parties":   []ca.Party{party},
	}, operator)
	custodyID, ok := appended["custody_id"].(string)
	require.True(t, ok, "append_action result: %v", appended)

	expected := ca.NewCatalog(137, common.HexToAddress(testCustodyAddr))
	_, err = expected.CustodyToAddress(common.HexToAddress(testReceiver), 0, party)
	require.NoError(t, err)
	root, err := expected.CustodyID()
	require.NoError(t, err)
	assert.Equal(t, root.Hex(), custodyID)

	update := watcher.receiveMethod(CustodyIDUpdateEventType.String())
	assert.Zero(t, update.Res.RequestID)
	params := update.Res.Params.(map[string]any)
	assert.Equal(t, ledgerID, params["ledger_id"])
	assert.Equal(t, custodyID, params["custody_id"])

	t.Run("operator methods reject unsigned requests", func(t *testing.T) {
		res := watcher.call(2, "clear_ledger", map[string]any{"ledger_id": ledgerID})
		assert.Equal(t, "operator signature required", res["error"])
	})

	t.Run("public proof over the socket", func(t *testing.T) {
		res := watcher.call(3, "get_merkle_proof", map[string]any{"ledger_id": ledgerID, "index": 0})
		assert.Equal(t, custodyID, res["custody_id"])
		assert.Empty(t, res["proof"], "single leaf tree")
	})
}
