package main

import (
	"github.com/erc7824/nitrolite/custodian/pkg/ca"
	"github.com/ethereum/go-ethereum/common"
)

type CreateLedgerParams struct {
	Name           string  `json:"name" validate:"required,max=255"`
	ChainID        uint64  `json:"chain_id" validate:"required"`
	CustodyAddress *string `json:"custody_address,omitempty" validate:"omitempty,hex_address"`
}

type AppendActionParams struct {
	LedgerID string         `json:"ledger_id" validate:"required,uuid"`
	Type     string         `json:"type" validate:"required,action_type"`
	Args     map[string]any `json:"args"`
	State    uint64         `json:"state"`
	Parties  []ca.Party     `json:"parties" validate:"required,min=1"`
}

type AppendActionResponse struct {
	LedgerID  string `json:"ledger_id"`
	Index     int    `json:"index"`
	Version   uint64 `json:"version"`
	CustodyID string `json:"custody_id"`
}

type GetRPCHistoryParams struct {
	ListOptions
	Method string `json:"method,omitempty"`
}

type RPCHistoryResponse struct {
	RPCEntries []RPCEntry `json:"rpc_entries"`
}

func (r *RPCRouter) HandleCreateLedger(c *RPCContext) {
	logger := LoggerFromContext(c.Context)

	var params CreateLedgerParams
	if err := parseParams(c.Message.Req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	var custody *common.Address
	if params.CustodyAddress != nil {
		addr := common.HexToAddress(*params.CustodyAddress)
		custody = &addr
	}

	ledger, err := r.LedgerService.CreateLedger(params.Name, params.ChainID, custody)
	if err != nil {
		logger.Error("failed to create ledger", "error", err, "name", params.Name)
		c.Fail(err, "failed to create ledger")
		return
	}

	c.Succeed(c.Message.Req.Method, newLedgerResponse(ledger))
	logger.Info("ledger created", "ledgerID", ledger.ID, "operator", c.UserID)
}

func (r *RPCRouter) HandleAppendAction(c *RPCContext) {
	logger := LoggerFromContext(c.Context)

	var params AppendActionParams
	if err := parseParams(c.Message.Req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	t, err := parseActionType(params.Type)
	if err != nil {
		c.Fail(err, "")
		return
	}
	res, err := r.LedgerService.AppendAction(params.LedgerID, t, params.Args, params.State, params.Parties)
	if err != nil {
		logger.Error("failed to append action", "error", err, "ledgerID", params.LedgerID, "type", t)
		c.Fail(err, "failed to append action")
		return
	}

	c.Succeed(c.Message.Req.Method, AppendActionResponse{
		LedgerID:  params.LedgerID,
		Index:     res.Index,
		Version:   res.Version,
		CustodyID: res.CustodyID.Hex(),
	})
}

func (r *RPCRouter) HandleClearLedger(c *RPCContext) {
	logger := LoggerFromContext(c.Context)

	var params LedgerParams
	if err := parseParams(c.Message.Req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	ledger, err := r.LedgerService.ClearLedger(params.LedgerID)
	if err != nil {
		logger.Error("failed to clear ledger", "error", err, "ledgerID", params.LedgerID)
		c.Fail(err, "failed to clear ledger")
		return
	}

	c.Succeed(c.Message.Req.Method, newLedgerResponse(ledger))
}

// HandleGetRPCHistory returns the mutating requests recorded for every operator.
func (r *RPCRouter) HandleGetRPCHistory(c *RPCContext) {
	logger := LoggerFromContext(c.Context)

	var params GetRPCHistoryParams
	if err := parseParams(c.Message.Req.Params, &params); err != nil {
		c.Fail(err, "failed to parse parameters")
		return
	}

	records, err := r.RPCStore.GetRPCHistory("", params.Method, &params.ListOptions)
	if err != nil {
		logger.Error("failed to retrieve RPC history", "error", err)
		c.Fail(err, "failed to retrieve RPC history")
		return
	}

	entries := make([]RPCEntry, 0, len(records))
	for _, rec := range records {
		reqSigs, err := SignaturesFromStrings(rec.ReqSig)
		if err != nil {
			logger.Error("failed to decode request signatures", "error", err, "id", rec.ID)
			c.Fail(err, "failed to retrieve RPC history")
			return
		}
		resSigs, err := SignaturesFromStrings(rec.ResSig)
		if err != nil {
			logger.Error("failed to decode response signatures", "error", err, "id", rec.ID)
			c.Fail(err, "failed to retrieve RPC history")
			return
		}
		entries = append(entries, RPCEntry{
			ID:        rec.ID,
			Sender:    rec.Sender,
			ReqID:     rec.ReqID,
			Method:    rec.Method,
			Params:    string(rec.Params),
			Timestamp: rec.Timestamp,
			ReqSig:    reqSigs,
			Result:    string(rec.Response),
			ResSig:    resSigs,
		})
	}

	c.Succeed(c.Message.Req.Method, RPCHistoryResponse{RPCEntries: entries})
}
