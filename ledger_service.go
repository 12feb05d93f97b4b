package main

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/erc7824/nitrolite/custodian/pkg/ca"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"gorm.io/gorm"
)

// loadedLedger is a ledger row together with the catalog of its current epoch.
type loadedLedger struct {
	ledger  CustodyLedger
	catalog *ca.Catalog
}

// AppendResult describes the ledger after a successful append.
type AppendResult struct {
	Index     int
	Version   uint64
	CustodyID common.Hash
}

// LedgerService owns the catalogs of all ledgers. Catalogs are rehydrated from
// the store on demand and kept in an LRU cache. All access is serialized by
// the service since catalogs are not safe for concurrent use.
type LedgerService struct {
	db       *gorm.DB
	chains   map[uint64]ChainConfig
	cache    *lru.Cache
	notifier *WSNotifier
	metrics  *Metrics
	logger   Logger

	mu sync.Mutex
}

// NewLedgerService creates a LedgerService caching up to cacheSize catalogs.
// notifier and metrics may be nil.
func NewLedgerService(db *gorm.DB, chains map[uint64]ChainConfig, cacheSize int, notifier *WSNotifier, metrics *Metrics, logger Logger) (*LedgerService, error) {
	if cacheSize <= 0 {
		cacheSize = defaultLedgerCacheSize
	}
	cache, err := lru.New(cacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create ledger cache: %w", err)
	}
	return &LedgerService{
		db:       db,
		chains:   chains,
		cache:    cache,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger.NewSystem("ledger-service"),
	}, nil
}

// CreateLedger opens an empty ledger on a configured chain. The custody
// address defaults to the one configured for the chain.
func (s *LedgerService) CreateLedger(name string, chainID uint64, custody *common.Address) (CustodyLedger, error) {
	chain, ok := s.chains[chainID]
	if !ok {
		return CustodyLedger{}, RPCErrorf("unsupported chain ID: %d", chainID)
	}
	custodyAddress := chain.Custody()
	if custody != nil {
		custodyAddress = *custody
	}

	ledger := CustodyLedger{
		ID:             uuid.NewString(),
		Name:           name,
		ChainID:        chainID,
		CustodyAddress: custodyAddress.Hex(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Transaction(func(tx *gorm.DB) error {
		if _, err := getLedgerByName(tx, name); err == nil {
			return RPCErrorf("ledger %q already exists", name)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		return tx.Create(&ledger).Error
	})
	if err != nil {
		return CustodyLedger{}, err
	}

	s.cache.Add(ledger.ID, &loadedLedger{
		ledger:  ledger,
		catalog: ca.NewCatalog(ledger.ChainID, ledger.Custody()),
	})
	s.logger.Info("ledger created", "ledgerID", ledger.ID, "name", name, "chainID", chainID, "custody", ledger.CustodyAddress)
	return ledger, nil
}

func (s *LedgerService) GetLedger(id string) (CustodyLedger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.load(id)
	if err != nil {
		return CustodyLedger{}, err
	}
	return l.ledger, nil
}

func (s *LedgerService) ListLedgers(chainID *uint64, options *ListOptions) ([]CustodyLedger, error) {
	return listLedgers(s.db, chainID, options)
}

// GetActions returns the actions of the current epoch in catalog order.
func (s *LedgerService) GetActions(id string) ([]ca.Action, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.load(id)
	if err != nil {
		return nil, err
	}
	return l.catalog.Actions(), nil
}

// AppendAction encodes and appends one action. The action row, the ledger
// counters and the new custody ID are committed in one transaction; on failure
// the cached catalog is dropped so the next access reloads the stored state.
func (s *LedgerService) AppendAction(id string, t ca.ActionType, args map[string]any, state uint64, parties []ca.Party) (AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.load(id)
	if err != nil {
		return AppendResult{}, err
	}

	index, err := l.catalog.AppendMap(t, args, state, parties...)
	if err != nil {
		return AppendResult{}, catalogError(err)
	}

	custodyID, err := s.custodyID(l.catalog)
	if err != nil {
		s.cache.Remove(id)
		return AppendResult{}, err
	}
	action, err := l.catalog.Action(index)
	if err != nil {
		s.cache.Remove(id)
		return AppendResult{}, err
	}

	updated := l.ledger
	updated.Version++
	updated.ActionCount = l.catalog.Len()
	updated.CustodyID = custodyID.Hex()

	err = s.db.Transaction(func(tx *gorm.DB) error {
		row, err := newLedgerAction(updated, index, action)
		if err != nil {
			return err
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("failed to store action: %w", err)
		}
		return s.commitVersion(tx, updated)
	})
	if err != nil {
		s.cache.Remove(id)
		return AppendResult{}, err
	}
	l.ledger = updated

	if s.metrics != nil {
		s.metrics.ActionsAppended.WithLabelValues(t.String()).Inc()
	}
	s.notify(updated)
	s.logger.Info("action appended", "ledgerID", id, "type", t, "index", index, "custodyID", updated.CustodyID)

	return AppendResult{Index: index, Version: updated.Version, CustodyID: custodyID}, nil
}

// ClearLedger starts a new empty epoch. Actions of previous epochs stay in the store.
func (s *LedgerService) ClearLedger(id string) (CustodyLedger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.load(id)
	if err != nil {
		return CustodyLedger{}, err
	}

	updated := l.ledger
	updated.Epoch++
	updated.Version++
	updated.ActionCount = 0
	updated.CustodyID = ""

	if err := s.db.Transaction(func(tx *gorm.DB) error {
		return s.commitVersion(tx, updated)
	}); err != nil {
		s.cache.Remove(id)
		return CustodyLedger{}, err
	}

	l.catalog.Clear()
	l.ledger = updated
	s.notify(updated)
	s.logger.Info("ledger cleared", "ledgerID", id, "epoch", updated.Epoch)

	return updated, nil
}

// commitVersion stores the ledger counters and appends the root history entry.
func (s *LedgerService) commitVersion(tx *gorm.DB, ledger CustodyLedger) error {
	res := tx.Model(&CustodyLedger{}).
		Where("id = ? AND version = ?", ledger.ID, ledger.Version-1).
		Updates(map[string]any{
			"epoch":        ledger.Epoch,
			"version":      ledger.Version,
			"action_count": ledger.ActionCount,
			"custody_id":   ledger.CustodyID,
			"updated_at":   time.Now(),
		})
	if res.Error != nil {
		return fmt.Errorf("failed to update ledger: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return fmt.Errorf("ledger %s was modified concurrently", ledger.ID)
	}

	root := CustodyRoot{
		LedgerID:    ledger.ID,
		Epoch:       ledger.Epoch,
		Version:     ledger.Version,
		ActionCount: ledger.ActionCount,
		CustodyID:   ledger.CustodyID,
	}
	if err := tx.Create(&root).Error; err != nil {
		return fmt.Errorf("failed to store custody root: %w", err)
	}
	return nil
}

func (s *LedgerService) CustodyID(id string) (common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.load(id)
	if err != nil {
		return common.Hash{}, err
	}
	root, err := s.custodyID(l.catalog)
	if err != nil {
		return common.Hash{}, catalogError(err)
	}
	return root, nil
}

func (s *LedgerService) MerkleProof(id string, index int) ([]common.Hash, error) {
	return s.withCatalog(id, "index", func(c *ca.Catalog) ([]common.Hash, error) {
		return c.MerkleProof(index)
	})
}

func (s *LedgerService) LeafProof(id string, actionIndex, partyIndex int) ([]common.Hash, error) {
	return s.withCatalog(id, "leaf", func(c *ca.Catalog) ([]common.Hash, error) {
		return c.LeafProof(actionIndex, partyIndex)
	})
}

// ProofByAction looks up a full action. The action's chain and custody are
// taken from the ledger.
func (s *LedgerService) ProofByAction(id string, t ca.ActionType, rawArgs []byte, state uint64, parties []ca.Party) ([]common.Hash, error) {
	return s.withCatalog(id, "action", func(c *ca.Catalog) ([]common.Hash, error) {
		return c.ProofByAction(ca.Action{
			Type:           t,
			ChainID:        c.ChainID(),
			CustodyAddress: c.CustodyAddress(),
			State:          state,
			Args:           rawArgs,
			Parties:        parties,
		})
	})
}

func (s *LedgerService) ProofByTypeAndArgs(id string, t ca.ActionType, args map[string]any, state uint64, parties []ca.Party) ([]common.Hash, error) {
	return s.withCatalog(id, "type_and_args", func(c *ca.Catalog) ([]common.Hash, error) {
		return c.ProofByTypeAndArgsMap(t, args, state, parties...)
	})
}

// ExportTree returns the standard-v1 dump of the current tree.
func (s *LedgerService) ExportTree(id string) (ca.StandardTreeDump, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.load(id)
	if err != nil {
		return ca.StandardTreeDump{}, err
	}
	tree, err := l.catalog.Tree()
	if err != nil {
		return ca.StandardTreeDump{}, catalogError(err)
	}
	return tree.Dump(), nil
}

func (s *LedgerService) RootHistory(id string, options *ListOptions) ([]CustodyRoot, error) {
	if _, err := s.GetLedger(id); err != nil {
		return nil, err
	}
	return getRootHistory(s.db, id, options)
}

// PurgeCache drops every cached catalog.
func (s *LedgerService) PurgeCache() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cache.Purge()
}

func (s *LedgerService) withCatalog(id, kind string, fn func(c *ca.Catalog) ([]common.Hash, error)) ([]common.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, err := s.load(id)
	if err != nil {
		s.recordProof(kind, err)
		return nil, err
	}
	proof, err := fn(l.catalog)
	s.recordProof(kind, err)
	if err != nil {
		return nil, catalogError(err)
	}
	return proof, nil
}

// load returns the cached ledger or rebuilds its catalog from the store.
// The caller must hold s.mu.
func (s *LedgerService) load(id string) (*loadedLedger, error) {
	if cached, ok := s.cache.Get(id); ok {
		if s.metrics != nil {
			s.metrics.LedgerCacheHits.Inc()
		}
		return cached.(*loadedLedger), nil
	}
	if s.metrics != nil {
		s.metrics.LedgerCacheMisses.Inc()
	}

	ledger, err := getLedgerByID(s.db, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, RPCErrorf("ledger not found: %s", id)
		}
		return nil, fmt.Errorf("failed to load ledger %s: %w", id, err)
	}

	rows, err := getEpochActions(s.db, ledger.ID, ledger.Epoch)
	if err != nil {
		return nil, fmt.Errorf("failed to load actions of ledger %s: %w", id, err)
	}

	catalog := ca.NewCatalog(ledger.ChainID, ledger.Custody())
	for _, row := range rows {
		action, err := row.ToAction(*ledger)
		if err != nil {
			return nil, err
		}
		if _, err := catalog.Restore(action); err != nil {
			return nil, fmt.Errorf("failed to restore action %d of ledger %s: %w", row.ID, id, err)
		}
	}

	l := &loadedLedger{ledger: *ledger, catalog: catalog}
	s.cache.Add(id, l)
	return l, nil
}

func (s *LedgerService) custodyID(c *ca.Catalog) (common.Hash, error) {
	start := time.Now()
	root, err := c.CustodyID()
	if s.metrics != nil && err == nil {
		s.metrics.TreeBuildSeconds.Observe(time.Since(start).Seconds())
	}
	return root, err
}

func (s *LedgerService) recordProof(kind string, err error) {
	if s.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	s.metrics.ProofRequests.WithLabelValues(kind, result).Inc()
}

func (s *LedgerService) notify(ledger CustodyLedger) {
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(NewCustodyIDNotification(ledger))
}

// catalogError exposes caller input errors of the catalog to RPC clients.
func catalogError(err error) error {
	for _, target := range []error{
		ca.ErrEmptyCatalog,
		ca.ErrIndexOutOfRange,
		ca.ErrUnknownActionType,
		ca.ErrMissingArgument,
		ca.ErrTooManyArguments,
		ca.ErrInvalidArgument,
		ca.ErrNoParties,
		ca.ErrInvalidParty,
		ca.ErrCatalogMismatch,
	} {
		if errors.Is(err, target) {
			return RPCErrorf("%w", err)
		}
	}
	return err
}
