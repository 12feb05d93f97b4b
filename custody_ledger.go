package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/erc7824/nitrolite/custodian/pkg/ca"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CustodyLedger is a named authorization set bound to one custody contract.
// Epoch is bumped by every clear; only actions of the current epoch are part
// of the catalog. Version counts every mutation over the ledger's lifetime.
type CustodyLedger struct {
	ID             string    `gorm:"column:id;primaryKey;type:varchar(36)"`
	Name           string    `gorm:"column:name;type:varchar(255);not null;uniqueIndex"`
	ChainID        uint64    `gorm:"column:chain_id;not null"`
	CustodyAddress string    `gorm:"column:custody_address;type:varchar(42);not null"`
	Epoch          uint64    `gorm:"column:epoch;not null;default:0"`
	Version        uint64    `gorm:"column:version;not null;default:0"`
	ActionCount    int       `gorm:"column:action_count;not null;default:0"`
	CustodyID      string    `gorm:"column:custody_id;type:varchar(66);not null;default:''"`
	CreatedAt      time.Time `gorm:"column:created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at"`
}

func (CustodyLedger) TableName() string {
	return "custody_ledgers"
}

// Custody returns the parsed custody contract address.
func (l CustodyLedger) Custody() common.Address {
	return common.HexToAddress(l.CustodyAddress)
}

// LedgerAction is one appended action. Rows are never updated nor deleted.
type LedgerAction struct {
	ID         uint           `gorm:"column:id;primaryKey"`
	LedgerID   string         `gorm:"column:ledger_id;type:varchar(36);not null;index"`
	Epoch      uint64         `gorm:"column:epoch;not null"`
	Position   int            `gorm:"column:position;not null"`
	ActionType uint8          `gorm:"column:action_type;not null"`
	State      uint64         `gorm:"column:state;not null"`
	Args       string         `gorm:"column:args;type:text;not null"`
	Parties    datatypes.JSON `gorm:"column:parties;not null"`
	CreatedAt  time.Time      `gorm:"column:created_at"`
}

func (LedgerAction) TableName() string {
	return "ledger_actions"
}

// CustodyRoot records a custody ID published after a mutation.
type CustodyRoot struct {
	ID          uint      `gorm:"column:id;primaryKey"`
	LedgerID    string    `gorm:"column:ledger_id;type:varchar(36);not null;index"`
	Epoch       uint64    `gorm:"column:epoch;not null"`
	Version     uint64    `gorm:"column:version;not null"`
	ActionCount int       `gorm:"column:action_count;not null"`
	CustodyID   string    `gorm:"column:custody_id;type:varchar(66);not null"`
	CreatedAt   time.Time `gorm:"column:created_at"`
}

func (CustodyRoot) TableName() string {
	return "custody_roots"
}

func newLedgerAction(ledger CustodyLedger, position int, a ca.Action) (LedgerAction, error) {
	parties, err := json.Marshal(a.Parties)
	if err != nil {
		return LedgerAction{}, fmt.Errorf("failed to marshal parties: %w", err)
	}
	return LedgerAction{
		LedgerID:   ledger.ID,
		Epoch:      ledger.Epoch,
		Position:   position,
		ActionType: uint8(a.Type),
		State:      a.State,
		Args:       hexutil.Encode(a.Args),
		Parties:    datatypes.JSON(parties),
	}, nil
}

// ToAction rebuilds the catalog action of the row for the given ledger.
func (r LedgerAction) ToAction(ledger CustodyLedger) (ca.Action, error) {
	args, err := hexutil.Decode(r.Args)
	if err != nil {
		return ca.Action{}, fmt.Errorf("action %d: invalid args: %w", r.ID, err)
	}
	var parties []ca.Party
	if err := json.Unmarshal(r.Parties, &parties); err != nil {
		return ca.Action{}, fmt.Errorf("action %d: invalid parties: %w", r.ID, err)
	}
	return ca.Action{
		Type:           ca.ActionType(r.ActionType),
		ChainID:        ledger.ChainID,
		CustodyAddress: ledger.Custody(),
		State:          r.State,
		Args:           args,
		Parties:        parties,
	}, nil
}

func getLedgerByID(tx *gorm.DB, id string) (*CustodyLedger, error) {
	var ledger CustodyLedger
	if err := tx.Where("id = ?", id).First(&ledger).Error; err != nil {
		return nil, err
	}
	return &ledger, nil
}

func getLedgerByName(tx *gorm.DB, name string) (*CustodyLedger, error) {
	var ledger CustodyLedger
	if err := tx.Where("name = ?", name).First(&ledger).Error; err != nil {
		return nil, err
	}
	return &ledger, nil
}

func listLedgers(tx *gorm.DB, chainID *uint64, options *ListOptions) ([]CustodyLedger, error) {
	query, err := applyListOptions(tx, ledgerListOrder, options)
	if err != nil {
		return nil, err
	}
	if chainID != nil {
		query = query.Where("chain_id = ?", *chainID)
	}
	var ledgers []CustodyLedger
	err = query.Find(&ledgers).Error
	return ledgers, err
}

func countLedgers(tx *gorm.DB) (int64, error) {
	var count int64
	err := tx.Model(&CustodyLedger{}).Count(&count).Error
	return count, err
}

// getEpochActions returns the rows of the ledger epoch in catalog order.
func getEpochActions(tx *gorm.DB, ledgerID string, epoch uint64) ([]LedgerAction, error) {
	var rows []LedgerAction
	err := tx.Where("ledger_id = ? AND epoch = ?", ledgerID, epoch).
		Order("position ASC").
		Find(&rows).Error
	return rows, err
}

func getRootHistory(tx *gorm.DB, ledgerID string, options *ListOptions) ([]CustodyRoot, error) {
	query, err := applyListOptions(tx, rootListOrder, options)
	if err != nil {
		return nil, err
	}
	var roots []CustodyRoot
	err = query.Where("ledger_id = ?", ledgerID).Find(&roots).Error
	return roots, err
}

// getLedgerActions returns the rows of every epoch of the ledger, or of one
// epoch when epoch is set, ordered by epoch and position.
func getLedgerActions(tx *gorm.DB, ledgerID string, epoch *uint64) ([]LedgerAction, error) {
	query := tx.Where("ledger_id = ?", ledgerID)
	if epoch != nil {
		query = query.Where("epoch = ?", *epoch)
	}
	var rows []LedgerAction
	err := query.Order("epoch ASC").Order("position ASC").Find(&rows).Error
	return rows, err
}
