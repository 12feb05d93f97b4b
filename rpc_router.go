package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

type RPCRouter struct {
	Node          *RPCNode
	Config        *Config
	Signer        *Signer
	LedgerService *LedgerService
	Metrics       *Metrics
	RPCStore      *RPCStore
	MessageCache  *MessageCache

	lg Logger
}

func NewRPCRouter(
	node *RPCNode,
	conf *Config,
	signer *Signer,
	ledgerService *LedgerService,
	metrics *Metrics,
	rpcStore *RPCStore,
	logger Logger,
) *RPCRouter {
	r := &RPCRouter{
		Node:          node,
		Config:        conf,
		Signer:        signer,
		LedgerService: ledgerService,
		Metrics:       metrics,
		RPCStore:      rpcStore,
		MessageCache:  NewMessageCache(time.Duration(conf.msgExpiryTime) * time.Second),
		lg:            logger.NewSystem("rpc-router"),
	}

	r.Node.OnConnect(r.HandleConnect)
	r.Node.OnDisconnect(r.HandleDisconnect)
	r.Node.OnMessageSent(r.HandleMessageSent)

	r.Node.Use(r.LoggerMiddleware)
	r.Node.Use(r.MetricsMiddleware)
	r.Node.Handle("ping", r.HandlePing)
	r.Node.Handle("get_config", r.HandleGetConfig)
	r.Node.Handle("get_ledgers", r.HandleGetLedgers)
	r.Node.Handle("get_ledger", r.HandleGetLedger)
	r.Node.Handle("get_ledger_actions", r.HandleGetLedgerActions)
	r.Node.Handle("get_custody_id", r.HandleGetCustodyID)
	r.Node.Handle("get_root_history", r.HandleGetRootHistory)
	r.Node.Handle("get_merkle_proof", r.HandleGetMerkleProof)
	r.Node.Handle("get_leaf_proof", r.HandleGetLeafProof)
	r.Node.Handle("get_proof_by_action", r.HandleGetProofByAction)
	r.Node.Handle("get_proof_by_type_and_args", r.HandleGetProofByTypeAndArgs)
	r.Node.Handle("verify_proof", r.HandleVerifyProof)
	r.Node.Handle("export_tree", r.HandleExportTree)
	r.Node.Handle("encode_args", r.HandleEncodeArgs)
	r.Node.Handle("encode_function_call", r.HandleEncodeFunctionCall)
	r.Node.Handle("subscribe_ledger", r.HandleSubscribeLedger)

	testModeGroup := r.Node.NewGroup("test_mode")
	testModeGroup.Use(r.TestModeMiddleware)
	testModeGroup.Handle("purge_ledger_cache", r.HandlePurgeLedgerCache)

	operatorGroup := r.Node.NewGroup("operator")
	operatorGroup.Use(r.OperatorMiddleware)
	operatorGroup.Handle("get_rpc_history", r.HandleGetRPCHistory)

	historyGroup := operatorGroup.NewGroup("history")
	historyGroup.Use(r.HistoryMiddleware)
	historyGroup.Handle("create_ledger", r.HandleCreateLedger)
	historyGroup.Handle("append_action", r.HandleAppendAction)
	historyGroup.Handle("clear_ledger", r.HandleClearLedger)

	return r
}

func (r *RPCRouter) HandleConnect(send SendRPCMessageFunc) {
	r.Metrics.ConnectionsTotal.Inc()
	r.Metrics.ConnectedClients.Inc()

	send("config", r.configResponse())
}

func (r *RPCRouter) HandleDisconnect(userID string) {
	r.Metrics.ConnectedClients.Dec()
}

func (r *RPCRouter) HandleMessageSent() {
	r.Metrics.MessageSent.Inc()
}

func (r *RPCRouter) LoggerMiddleware(c *RPCContext) {
	logger := r.lg.With("requestID", c.Message.Req.RequestID)
	c.Context = SetContextLogger(c.Context, logger)

	c.Next()

	if c.Message.Res == nil {
		logger.Warn("RPC response is nil",
			"userID", c.UserID,
			"method", c.Message.Req.Method,
		)
		return
	}

	if c.Message.Res.Method == "error" {
		logger.Warn("failed to handle RPC request",
			"userID", c.UserID,
			"method", c.Message.Req.Method,
			"error", c.Message.Res.Params,
		)
	}
}

func (r *RPCRouter) MetricsMiddleware(c *RPCContext) {
	r.Metrics.MessageReceived.Inc()

	reqMethod := c.Message.Req.Method
	c.Next()

	status := "success"
	if c.Message.Res == nil || c.Message.Res.Method == "error" {
		status = "failure"
	}

	r.Metrics.RPCRequests.WithLabelValues(reqMethod, status).Inc()
}

// OperatorMiddleware admits requests signed by a configured operator. The
// request timestamp must lie within the message expiry window and the same
// signed payload is accepted only once inside that window.
func (r *RPCRouter) OperatorMiddleware(c *RPCContext) {
	logger := LoggerFromContext(c.Context)
	req := c.Message.Req

	if err := ValidateTimestamp(req.Timestamp, r.Config.msgExpiryTime); err != nil {
		c.Fail(RPCErrorf("invalid timestamp: %v", err), "")
		return
	}

	signers, err := c.Message.GetRequestSignersMap()
	if err != nil {
		logger.Debug("failed to recover request signers", "error", err)
		c.Fail(RPCErrorf("invalid signature"), "")
		return
	}

	operator := ""
	for addr := range signers {
		if r.Config.IsOperator(addr) {
			operator = addr
			break
		}
	}
	if operator == "" {
		c.Fail(RPCErrorf("operator signature required"), "")
		return
	}

	if !r.MessageCache.AddIfAbsent(HashMessage(&c.Message)) {
		c.Fail(RPCErrorf("duplicate request"), "")
		return
	}

	c.UserID = operator
	c.Context = SetContextLogger(c.Context, logger.With("operator", operator))
	c.Next()
}

type RPCEntry struct {
	ID        uint        `json:"id"`
	Sender    string      `json:"sender"`
	ReqID     uint64      `json:"req_id"`
	Method    string      `json:"method"`
	Params    string      `json:"params"`
	Timestamp uint64      `json:"timestamp"`
	ReqSig    []Signature `json:"req_sig"`
	Result    string      `json:"response"`
	ResSig    []Signature `json:"res_sig"`
}

// HistoryMiddleware records every mutating operator request with its signed response.
func (r *RPCRouter) HistoryMiddleware(c *RPCContext) {
	logger := LoggerFromContext(c.Context)

	req := c.Message.Req
	reqSig := c.Message.Sig
	c.Next()

	if c.Message.Res == nil {
		return
	}
	resRaw, err := json.Marshal(c.Message.Res)
	if err != nil {
		logger.Error("failed to marshal response", "error", err)
		return
	}
	resSig, err := r.Signer.Sign(resRaw)
	if err != nil {
		logger.Error("failed to sign response", "error", err)
		return
	}

	if err := r.RPCStore.StoreMessage(c.UserID, req, reqSig, resRaw, []Signature{resSig}); err != nil {
		logger.Error("failed to store RPC message", "error", err)
	}
}

func (r *RPCRouter) TestModeMiddleware(c *RPCContext) {
	if r.Config.mode != ModeTest {
		c.Fail(nil, "test mode endpoints are disabled")
		return
	}

	c.Next()
}

func (r *RPCRouter) HandlePurgeLedgerCache(c *RPCContext) {
	r.LedgerService.PurgeCache()
	c.Succeed(c.Message.Req.Method, nil)
}

// ValidateTimestamp checks that ts is a 13-digit Unix millisecond timestamp
// not older than expirySeconds.
func ValidateTimestamp(ts uint64, expirySeconds int) error {
	if ts < 1_000_000_000_000 || ts > 9_999_999_999_999 {
		return fmt.Errorf("invalid timestamp %d: must be 13-digit Unix ms", ts)
	}
	t := time.UnixMilli(int64(ts)).UTC()
	if time.Since(t) > time.Duration(expirySeconds)*time.Second {
		return fmt.Errorf("timestamp expired: %s older than %d s", t.Format(time.RFC3339Nano), expirySeconds)
	}
	return nil
}

// parseParams decodes params into unmarshalTo and validates it. Numbers
// inside untyped values are kept as json.Number so large integers survive.
func parseParams(params RPCDataParams, unmarshalTo any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to parse parameters: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(paramsJSON))
	dec.UseNumber()
	if err := dec.Decode(unmarshalTo); err != nil {
		return err
	}

	return getValidator().Struct(unmarshalTo)
}
