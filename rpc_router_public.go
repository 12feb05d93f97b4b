package main

import (
	"sort"
	"time"

	"github.com/erc7824/nitrolite/custodian/pkg/ca"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type ActionTypeInfo struct {
	Name   string `json:"name"`
	Tag    uint8  `json:"tag"`
	Params string `json:"params"`
}

type ChainInfo struct {
	Name           string `json:"name"`
	ID             uint64 `json:"chain_id"`
	CustodyAddress string `json:"custody_address"`
}

type ConfigResponse struct {
	NodeAddress  string           `json:"node_address"`
	LeafEncoding []string         `json:"leaf_encoding"`
	ActionTypes  []ActionTypeInfo `json:"action_types"`
	Chains       []ChainInfo      `json:"chains"`
}

type LedgerParams struct {
	LedgerID string `json:"ledger_id" validate:"required,uuid"`
}

type GetLedgersParams struct {
	ListOptions
	ChainID *uint64 `json:"chain_id,omitempty"`
}

type LedgerResponse struct {
	LedgerID       string `json:"ledger_id"`
	Name           string `json:"name"`
	ChainID        uint64 `json:"chain_id"`
	CustodyAddress string `json:"custody_address"`
	Epoch          uint64 `json:"epoch"`
	Version        uint64 `json:"version"`
	ActionCount    int    `json:"action_count"`
	CustodyID      string `json:"custody_id"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

type LedgersResponse struct {
	Ledgers []LedgerResponse `json:"ledgers"`
}

type ActionResponse struct {
	Index      int        `json:"index"`
	Type       string     `json:"type"`
	State      uint64     `json:"state"`
	Args       string     `json:"args"`
	Parties    []ca.Party `json:"parties"`
	LeafHashes []string   `json:"leaf_hashes"`
}

type LedgerActionsResponse struct {
	LedgerID string           `json:"ledger_id"`
	Epoch    uint64           `json:"epoch"`
	Actions  []ActionResponse `json:"actions"`
}

type CustodyIDResponse struct {
	LedgerID  string `json:"ledger_id"`
	Epoch     uint64 `json:"epoch"`
	Version   uint64 `json:"version"`
	CustodyID string `json:"custody_id"`
}

type GetRootHistoryParams struct {
	ListOptions
	LedgerID string `json:"ledger_id" validate:"required,uuid"`
}

type RootResponse struct {
	Epoch       uint64 `json:"epoch"`
	Version     uint64 `json:"version"`
	ActionCount int    `json:"action_count"`
	CustodyID   string `json:"custody_id"`
	CreatedAt   string `json:"created_at"`
}

type RootHistoryResponse struct {
	LedgerID string         `json:"ledger_id"`
	Roots    []RootResponse `json:"roots"`
}

type GetMerkleProofParams struct {
	LedgerID string `json:"ledger_id" validate:"required,uuid"`
	Index    int    `json:"index" validate:"gte=0"`
}

type GetLeafProofParams struct {
	LedgerID    string `json:"ledger_id" validate:"required,uuid"`
	ActionIndex int    `json:"action_index" validate:"gte=0"`
	PartyIndex  int    `json:"party_index" validate:"gte=0"`
}

type GetProofByActionParams struct {
	LedgerID string     `json:"ledger_id" validate:"required,uuid"`
	Type     string     `json:"type" validate:"required,action_type"`
	State    uint64     `json:"state"`
	Args     string     `json:"args"`
	Parties  []ca.Party `json:"parties" validate:"required,min=1"`
}

type GetProofByTypeAndArgsParams struct {
	LedgerID string         `json:"ledger_id" validate:"required,uuid"`
	Type     string         `json:"type" validate:"required,action_type"`
	Args     map[string]any `json:"args"`
	State    uint64         `json:"state"`
	Parties  []ca.Party     `json:"parties" validate:"required,min=1"`
}

// ProofResponse carries the custody ID the proof verifies against. Lookups of
// actions that are not in the tree return an empty proof.
type ProofResponse struct {
	LedgerID  string   `json:"ledger_id"`
	CustodyID string   `json:"custody_id"`
	Proof     []string `json:"proof"`
}

type VerifyProofParams struct {
	CustodyID      string     `json:"custody_id" validate:"required"`
	Type           string     `json:"type" validate:"required,action_type"`
	ChainID        uint64     `json:"chain_id" validate:"required"`
	CustodyAddress string     `json:"custody_address" validate:"required,hex_address"`
	State          uint64     `json:"state"`
	Args           string     `json:"args"`
	Parties        []ca.Party `json:"parties" validate:"required,min=1"`
	PartyIndex     int        `json:"party_index" validate:"gte=0"`
	Proof          []string   `json:"proof"`
}

type VerifyProofResponse struct {
	Valid bool   `json:"valid"`
	Leaf  string `json:"leaf"`
}

type EncodeArgsParams struct {
	Type string         `json:"type" validate:"required,action_type"`
	Args map[string]any `json:"args"`
}

type EncodeArgsResponse struct {
	Type   string `json:"type"`
	Schema string `json:"schema"`
	Args   string `json:"args"`
}

type EncodeFunctionCallParams struct {
	Signature string `json:"signature" validate:"required"`
	Args      []any  `json:"args"`
}

type EncodeFunctionCallResponse struct {
	Signature string `json:"signature"`
	Selector  string `json:"selector"`
	CallData  string `json:"call_data"`
}

// HandlePing responds to a ping request with a pong response
func (r *RPCRouter) HandlePing(c *RPCContext) {
	c.Succeed("pong", nil)
}

// HandleGetConfig returns the node address, the action schemas and the configured chains
func (r *RPCRouter) HandleGetConfig(c *RPCContext) {
	c.Succeed(c.Message.Req.Method, r.configResponse())
}

func (r *RPCRouter) configResponse() ConfigResponse {
	types := ca.ActionTypes()
	actionTypes := make([]ActionTypeInfo, 0, len(types))
	for _, t := range types {
		def, _ := ca.SchemaDefinition(t)
		actionTypes = append(actionTypes, ActionTypeInfo{Name: t.String(), Tag: uint8(t), Params: def})
	}

	chains := make([]ChainInfo, 0, len(r.Config.chains))
	for _, ch := range r.Config.chains {
		chains = append(chains, ChainInfo{Name: ch.Name, ID: ch.ID, CustodyAddress: ch.Custody().Hex()})
	}
	sort.Slice(chains, func(i, j int) bool { return chains[i].ID < chains[j].ID })

	return ConfigResponse{
		NodeAddress:  r.Signer.GetAddress().Hex(),
		LeafEncoding: ca.LeafEncoding(),
		ActionTypes:  actionTypes,
		Chains:       chains,
	}
}

func (r *RPCRouter) HandleGetLedgers(c *RPCContext) {
	var params GetLedgersParams
	if err := parseParams(c.Message.Req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	ledgers, err := r.LedgerService.ListLedgers(params.ChainID, &params.ListOptions)
	if err != nil {
		LoggerFromContext(c.Context).Error("failed to list ledgers", "error", err)
		c.Fail(err, "failed to list ledgers")
		return
	}

	resp := LedgersResponse{Ledgers: make([]LedgerResponse, 0, len(ledgers))}
	for _, l := range ledgers {
		resp.Ledgers = append(resp.Ledgers, newLedgerResponse(l))
	}
	c.Succeed(c.Message.Req.Method, resp)
}

func (r *RPCRouter) HandleGetLedger(c *RPCContext) {
	var params LedgerParams
	if err := parseParams(c.Message.Req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	ledger, err := r.LedgerService.GetLedger(params.LedgerID)
	if err != nil {
		c.Fail(err, "failed to get ledger")
		return
	}
	c.Succeed(c.Message.Req.Method, newLedgerResponse(ledger))
}

func (r *RPCRouter) HandleGetLedgerActions(c *RPCContext) {
	logger := LoggerFromContext(c.Context)

	var params LedgerParams
	if err := parseParams(c.Message.Req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	ledger, err := r.LedgerService.GetLedger(params.LedgerID)
	if err != nil {
		c.Fail(err, "failed to get ledger")
		return
	}
	actions, err := r.LedgerService.GetActions(params.LedgerID)
	if err != nil {
		c.Fail(err, "failed to get ledger actions")
		return
	}

	resp := LedgerActionsResponse{
		LedgerID: ledger.ID,
		Epoch:    ledger.Epoch,
		Actions:  make([]ActionResponse, 0, len(actions)),
	}
	for i, a := range actions {
		entry, err := newActionResponse(i, a)
		if err != nil {
			logger.Error("failed to hash leaves", "error", err, "index", i)
			c.Fail(err, "failed to get ledger actions")
			return
		}
		resp.Actions = append(resp.Actions, entry)
	}
	c.Succeed(c.Message.Req.Method, resp)
}

func (r *RPCRouter) HandleGetCustodyID(c *RPCContext) {
	var params LedgerParams
	if err := parseParams(c.Message.Req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	ledger, err := r.LedgerService.GetLedger(params.LedgerID)
	if err != nil {
		c.Fail(err, "failed to get ledger")
		return
	}
	root, err := r.LedgerService.CustodyID(params.LedgerID)
	if err != nil {
		c.Fail(err, "failed to compute custody id")
		return
	}

	c.Succeed(c.Message.Req.Method, CustodyIDResponse{
		LedgerID:  ledger.ID,
		Epoch:     ledger.Epoch,
		Version:   ledger.Version,
		CustodyID: root.Hex(),
	})
}

func (r *RPCRouter) HandleGetRootHistory(c *RPCContext) {
	var params GetRootHistoryParams
	if err := parseParams(c.Message.Req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	roots, err := r.LedgerService.RootHistory(params.LedgerID, &params.ListOptions)
	if err != nil {
		c.Fail(err, "failed to get root history")
		return
	}

	resp := RootHistoryResponse{LedgerID: params.LedgerID, Roots: make([]RootResponse, 0, len(roots))}
	for _, root := range roots {
		resp.Roots = append(resp.Roots, RootResponse{
			Epoch:       root.Epoch,
			Version:     root.Version,
			ActionCount: root.ActionCount,
			CustodyID:   root.CustodyID,
			CreatedAt:   root.CreatedAt.Format(time.RFC3339),
		})
	}
	c.Succeed(c.Message.Req.Method, resp)
}

func (r *RPCRouter) HandleGetMerkleProof(c *RPCContext) {
	var params GetMerkleProofParams
	if err := parseParams(c.Message.Req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	proof, err := r.LedgerService.MerkleProof(params.LedgerID, params.Index)
	r.respondProof(c, params.LedgerID, proof, err)
}

func (r *RPCRouter) HandleGetLeafProof(c *RPCContext) {
	var params GetLeafProofParams
	if err := parseParams(c.Message.Req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	proof, err := r.LedgerService.LeafProof(params.LedgerID, params.ActionIndex, params.PartyIndex)
	r.respondProof(c, params.LedgerID, proof, err)
}

func (r *RPCRouter) HandleGetProofByAction(c *RPCContext) {
	var params GetProofByActionParams
	if err := parseParams(c.Message.Req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	t, err := parseActionType(params.Type)
	if err != nil {
		c.Fail(err, "")
		return
	}
	args, err := decodeHexArgs(params.Args)
	if err != nil {
		c.Fail(err, "")
		return
	}

	proof, err := r.LedgerService.ProofByAction(params.LedgerID, t, args, params.State, params.Parties)
	r.respondLookup(c, params.LedgerID, proof, err)
}

func (r *RPCRouter) HandleGetProofByTypeAndArgs(c *RPCContext) {
	var params GetProofByTypeAndArgsParams
	if err := parseParams(c.Message.Req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	t, err := parseActionType(params.Type)
	if err != nil {
		c.Fail(err, "")
		return
	}
	proof, err := r.LedgerService.ProofByTypeAndArgs(params.LedgerID, t, params.Args, params.State, params.Parties)
	r.respondLookup(c, params.LedgerID, proof, err)
}

// HandleVerifyProof checks a proof against a custody ID without touching any ledger.
func (r *RPCRouter) HandleVerifyProof(c *RPCContext) {
	var params VerifyProofParams
	if err := parseParams(c.Message.Req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	root, err := parseHash(params.CustodyID)
	if err != nil {
		c.Fail(RPCErrorf("invalid custody_id: %v", err), "")
		return
	}
	proof := make([]common.Hash, 0, len(params.Proof))
	for i, p := range params.Proof {
		h, err := parseHash(p)
		if err != nil {
			c.Fail(RPCErrorf("invalid proof element %d: %v", i, err), "")
			return
		}
		proof = append(proof, h)
	}
	args, err := decodeHexArgs(params.Args)
	if err != nil {
		c.Fail(err, "")
		return
	}
	t, err := parseActionType(params.Type)
	if err != nil {
		c.Fail(err, "")
		return
	}

	action := ca.Action{
		Type:           t,
		ChainID:        params.ChainID,
		CustodyAddress: common.HexToAddress(params.CustodyAddress),
		State:          params.State,
		Args:           args,
		Parties:        params.Parties,
	}
	valid, err := ca.VerifyAction(root, action, params.PartyIndex, proof)
	if err != nil {
		c.Fail(catalogError(err), "failed to verify proof")
		return
	}
	leaf, err := action.Leaves()[params.PartyIndex].Hash()
	if err != nil {
		c.Fail(catalogError(err), "failed to verify proof")
		return
	}

	c.Succeed(c.Message.Req.Method, VerifyProofResponse{Valid: valid, Leaf: leaf.Hex()})
}

func (r *RPCRouter) HandleExportTree(c *RPCContext) {
	var params LedgerParams
	if err := parseParams(c.Message.Req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	dump, err := r.LedgerService.ExportTree(params.LedgerID)
	if err != nil {
		c.Fail(err, "failed to export tree")
		return
	}
	c.Succeed(c.Message.Req.Method, dump)
}

func (r *RPCRouter) HandleEncodeArgs(c *RPCContext) {
	var params EncodeArgsParams
	if err := parseParams(c.Message.Req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	t, err := parseActionType(params.Type)
	if err != nil {
		c.Fail(err, "")
		return
	}
	encoded, err := ca.EncodeArgsMap(t, params.Args)
	if err != nil {
		c.Fail(catalogError(err), "failed to encode arguments")
		return
	}
	schema, _ := ca.SchemaDefinition(t)

	c.Succeed(c.Message.Req.Method, EncodeArgsResponse{
		Type:   t.String(),
		Schema: schema,
		Args:   hexutil.Encode(encoded),
	})
}

func (r *RPCRouter) HandleEncodeFunctionCall(c *RPCContext) {
	var params EncodeFunctionCallParams
	if err := parseParams(c.Message.Req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	canonical, err := ca.CanonicalSignature(params.Signature)
	if err != nil {
		c.Fail(catalogError(err), "invalid function signature")
		return
	}
	callData, err := ca.EncodeFunctionCall(params.Signature, params.Args...)
	if err != nil {
		c.Fail(catalogError(err), "failed to encode function call")
		return
	}

	c.Succeed(c.Message.Req.Method, EncodeFunctionCallResponse{
		Signature: canonical,
		Selector:  hexutil.Encode(callData[:4]),
		CallData:  hexutil.Encode(callData),
	})
}

// HandleSubscribeLedger subscribes the connection to custody_id_update
// notifications of a ledger and returns its current state.
func (r *RPCRouter) HandleSubscribeLedger(c *RPCContext) {
	var params LedgerParams
	if err := parseParams(c.Message.Req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	ledger, err := r.LedgerService.GetLedger(params.LedgerID)
	if err != nil {
		c.Fail(err, "failed to get ledger")
		return
	}
	if err := c.Subscribe(ledgerTopic(ledger.ID)); err != nil {
		LoggerFromContext(c.Context).Error("failed to subscribe", "error", err, "ledgerID", ledger.ID)
		c.Fail(err, "failed to subscribe")
		return
	}

	c.Succeed(c.Message.Req.Method, CustodyIDResponse{
		LedgerID:  ledger.ID,
		Epoch:     ledger.Epoch,
		Version:   ledger.Version,
		CustodyID: ledger.CustodyID,
	})
}

func (r *RPCRouter) respondProof(c *RPCContext, ledgerID string, proof []common.Hash, err error) {
	if err != nil {
		c.Fail(err, "failed to build proof")
		return
	}
	root, err := r.LedgerService.CustodyID(ledgerID)
	if err != nil {
		c.Fail(err, "failed to build proof")
		return
	}
	c.Succeed(c.Message.Req.Method, ProofResponse{
		LedgerID:  ledgerID,
		CustodyID: root.Hex(),
		Proof:     hashesToStrings(proof),
	})
}

// respondLookup answers content lookups. An empty ledger yields an empty
// custody ID and an empty proof.
func (r *RPCRouter) respondLookup(c *RPCContext, ledgerID string, proof []common.Hash, err error) {
	if err != nil {
		c.Fail(err, "failed to build proof")
		return
	}
	resp := ProofResponse{LedgerID: ledgerID, Proof: hashesToStrings(proof)}
	if root, err := r.LedgerService.CustodyID(ledgerID); err == nil {
		resp.CustodyID = root.Hex()
	}
	c.Succeed(c.Message.Req.Method, resp)
}

func newLedgerResponse(l CustodyLedger) LedgerResponse {
	return LedgerResponse{
		LedgerID:       l.ID,
		Name:           l.Name,
		ChainID:        l.ChainID,
		CustodyAddress: l.CustodyAddress,
		Epoch:          l.Epoch,
		Version:        l.Version,
		ActionCount:    l.ActionCount,
		CustodyID:      l.CustodyID,
		CreatedAt:      l.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      l.UpdatedAt.Format(time.RFC3339),
	}
}

func newActionResponse(index int, a ca.Action) (ActionResponse, error) {
	leaves := a.Leaves()
	hashes := make([]string, 0, len(leaves))
	for _, leaf := range leaves {
		h, err := leaf.Hash()
		if err != nil {
			return ActionResponse{}, err
		}
		hashes = append(hashes, h.Hex())
	}
	return ActionResponse{
		Index:      index,
		Type:       a.Type.String(),
		State:      a.State,
		Args:       hexutil.Encode(a.Args),
		Parties:    a.Parties,
		LeafHashes: hashes,
	}, nil
}

func hashesToStrings(hashes []common.Hash) []string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = h.Hex()
	}
	return out
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return common.Hash{}, err
	}
	if len(b) != common.HashLength {
		return common.Hash{}, RPCErrorf("expected %d bytes, got %d", common.HashLength, len(b))
	}
	return common.BytesToHash(b), nil
}

// decodeHexArgs accepts "" and "0x" as the empty encoding.
func decodeHexArgs(s string) ([]byte, error) {
	if s == "" || s == "0x" {
		return []byte{}, nil
	}
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, RPCErrorf("invalid args: %v", err)
	}
	return b, nil
}

// parseActionType maps a validated type name to its tag. The validator and
// the parser share ca.ParseActionType, so a failure here is a client error.
func parseActionType(s string) (ca.ActionType, error) {
	t, err := ca.ParseActionType(s)
	if err != nil {
		return 0, RPCErrorf("invalid action type %q", s)
	}
	return t, nil
}
