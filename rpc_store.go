package main

import (
	"encoding/json"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

// RPCRecord is a stored operator request together with the signed response.
type RPCRecord struct {
	ID        uint           `gorm:"primaryKey"`
	Sender    string         `gorm:"column:sender;type:varchar(255);not null"`
	ReqID     uint64         `gorm:"column:req_id;not null"`
	Method    string         `gorm:"column:method;type:varchar(255);not null"`
	Params    []byte         `gorm:"column:params;type:text;not null"`
	Timestamp uint64         `gorm:"column:timestamp;not null"`
	ReqSig    pq.StringArray `gorm:"type:text[];column:req_sig;"`
	Response  []byte         `gorm:"column:response;type:text;not null"`
	ResSig    pq.StringArray `gorm:"type:text[];column:res_sig;"`
}

func (RPCRecord) TableName() string {
	return "rpc_store"
}

// RPCStore handles RPC message storage and retrieval
type RPCStore struct {
	db *gorm.DB
}

// NewRPCStore creates a new RPCStore instance
func NewRPCStore(db *gorm.DB) *RPCStore {
	return &RPCStore{db: db}
}

// StoreMessage records a processed request and its response.
func (s *RPCStore) StoreMessage(sender string, req *RPCData, reqSigs []Signature, resBytes []byte, resSigs []Signature) error {
	paramsBytes, err := json.Marshal(req.Params)
	if err != nil {
		return err
	}

	msg := &RPCRecord{
		ReqID:     req.RequestID,
		Sender:    sender,
		Method:    req.Method,
		Params:    paramsBytes,
		Response:  resBytes,
		ReqSig:    SignaturesToStrings(reqSigs),
		ResSig:    SignaturesToStrings(resSigs),
		Timestamp: req.Timestamp,
	}

	return s.db.Create(msg).Error
}

// GetRPCHistory returns the requests of sender, newest first unless options
// say otherwise. An empty sender matches every operator.
func (s *RPCStore) GetRPCHistory(sender string, method string, options *ListOptions) ([]RPCRecord, error) {
	query, err := applyListOptions(s.db, rpcHistoryListOrder, options)
	if err != nil {
		return nil, err
	}
	if sender != "" {
		query = query.Where("sender = ?", sender)
	}
	if method != "" {
		query = query.Where("method = ?", method)
	}
	var rpcHistory []RPCRecord
	err = query.Find(&rpcHistory).Error
	return rpcHistory, err
}
