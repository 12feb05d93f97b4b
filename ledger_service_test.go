package main

import (
	"sync"
	"testing"

	"github.com/erc7824/nitrolite/custodian/pkg/ca"
	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedNotification struct {
	topic  string
	method string
	params RPCDataParams
}

type notificationRecorder struct {
	mu   sync.Mutex
	sent []recordedNotification
}

func (r *notificationRecorder) notify(topic, method string, params RPCDataParams) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, recordedNotification{topic: topic, method: method, params: params})
}

func (r *notificationRecorder) all() []recordedNotification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedNotification(nil), r.sent...)
}

func TestLedgerServiceCreateLedger(t *testing.T) {
	t.Parallel()

	service, _, cleanup := setupTestLedgerService(t)
	t.Cleanup(cleanup)

	t.Run("Default custody of the chain", func(t *testing.T) {
		ledger, err := service.CreateLedger("treasury", 137, nil)
		require.NoError(t, err)

		assert.NotEmpty(t, ledger.ID)
		assert.Equal(t, uint64(137), ledger.ChainID)
		assert.Equal(t, common.HexToAddress(testCustodyAddr).Hex(), ledger.CustodyAddress)
		assert.Zero(t, ledger.Epoch)
		assert.Zero(t, ledger.Version)
		assert.Empty(t, ledger.CustodyID)
	})

	t.Run("Custody override", func(t *testing.T) {
		custody := common.HexToAddress(testCustodyAddr2)
		ledger, err := service.CreateLedger("override", 137, &custody)
		require.NoError(t, err)
		assert.Equal(t, custody.Hex(), ledger.CustodyAddress)
	})

	t.Run("Unsupported chain", func(t *testing.T) {
		_, err := service.CreateLedger("nowhere", 1, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported chain ID: 1")
	})

	t.Run("Duplicate name", func(t *testing.T) {
		_, err := service.CreateLedger("dup", 42220, nil)
		require.NoError(t, err)
		_, err = service.CreateLedger("dup", 42220, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already exists")
	})

	t.Run("List by chain", func(t *testing.T) {
		chainID := uint64(42220)
		ledgers, err := service.ListLedgers(&chainID, nil)
		require.NoError(t, err)
		require.Len(t, ledgers, 1)
		assert.Equal(t, "dup", ledgers[0].Name)
	})
}

func TestLedgerServiceAppendAction(t *testing.T) {
	t.Parallel()

	db, cleanup := setupTestDB(t)
	t.Cleanup(cleanup)

	recorder := &notificationRecorder{}
	notifier := NewWSNotifier(recorder.notify, nil)
	service, err := NewLedgerService(db, testChains(), 4, notifier, NewMetricsWithRegistry(prometheus.NewRegistry()), NewLoggerIPFS("root.test"))
	require.NoError(t, err)

	ledger, err := service.CreateLedger("append", 137, nil)
	require.NoError(t, err)

	alice, bob := testParty(t), testParty(t)
	expected := ca.NewCatalog(137, common.HexToAddress(testCustodyAddr))

	first, err := service.AppendAction(ledger.ID, ca.CustodyToAddress, map[string]any{"receiver": testReceiver}, 0, []ca.Party{alice})
	require.NoError(t, err)
	_, err = expected.CustodyToAddress(common.HexToAddress(testReceiver), 0, alice)
	require.NoError(t, err)

	root, err := expected.CustodyID()
	require.NoError(t, err)
	assert.Equal(t, 0, first.Index)
	assert.Equal(t, uint64(1), first.Version)
	assert.Equal(t, root, first.CustodyID)

	second, err := service.AppendAction(ledger.ID, ca.ChangeCustodyState, map[string]any{"newState": 5}, 0, []ca.Party{alice, bob})
	require.NoError(t, err)
	_, err = expected.ChangeCustodyState(5, 0, alice, bob)
	require.NoError(t, err)

	root, err = expected.CustodyID()
	require.NoError(t, err)
	assert.Equal(t, 1, second.Index)
	assert.Equal(t, uint64(2), second.Version)
	assert.Equal(t, root, second.CustodyID)

	t.Run("Stored state", func(t *testing.T) {
		stored, err := service.GetLedger(ledger.ID)
		require.NoError(t, err)
		assert.Equal(t, 2, stored.ActionCount)
		assert.Equal(t, root.Hex(), stored.CustodyID)

		rows, err := getEpochActions(db, ledger.ID, 0)
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, uint8(ca.ChangeCustodyState), rows[1].ActionType)

		roots, err := service.RootHistory(ledger.ID, nil)
		require.NoError(t, err)
		require.Len(t, roots, 2)
		assert.Equal(t, uint64(2), roots[0].Version)
		assert.Equal(t, root.Hex(), roots[0].CustodyID)
	})

	t.Run("Rehydrated catalog matches", func(t *testing.T) {
		service.PurgeCache()

		got, err := service.CustodyID(ledger.ID)
		require.NoError(t, err)
		assert.Equal(t, root, got)

		actions, err := service.GetActions(ledger.ID)
		require.NoError(t, err)
		assert.Equal(t, expected.Actions(), actions)
	})

	t.Run("Notifications", func(t *testing.T) {
		sent := recorder.all()
		require.Len(t, sent, 2)
		assert.Equal(t, ledgerTopic(ledger.ID), sent[1].topic)
		assert.Equal(t, CustodyIDUpdateEventType.String(), sent[1].method)

		update, ok := sent[1].params.(CustodyIDUpdate)
		require.True(t, ok)
		assert.Equal(t, root.Hex(), update.CustodyID)
		assert.Equal(t, uint64(2), update.Version)
	})

	t.Run("Invalid arguments leave the ledger untouched", func(t *testing.T) {
		_, err := service.AppendAction(ledger.ID, ca.CustodyToAddress, map[string]any{}, 0, []ca.Party{alice})
		require.Error(t, err)
		assert.ErrorIs(t, err, ca.ErrMissingArgument)

		_, err = service.AppendAction(ledger.ID, ca.UpdateCA, nil, 0, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ca.ErrNoParties)

		got, err := service.CustodyID(ledger.ID)
		require.NoError(t, err)
		assert.Equal(t, root, got)
	})

	t.Run("Unknown ledger", func(t *testing.T) {
		_, err := service.AppendAction("5b0e4f0a-2f32-4bd3-a7f6-6a0d4c3a1b00", ca.UpdateCA, nil, 0, []ca.Party{alice})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ledger not found")
	})
}

func TestLedgerServiceProofs(t *testing.T) {
	t.Parallel()

	service, _, cleanup := setupTestLedgerService(t)
	t.Cleanup(cleanup)

	ledger, err := service.CreateLedger("proofs", 137, nil)
	require.NoError(t, err)

	alice, bob := testParty(t), testParty(t)
	receiverArgs := map[string]any{"receiver": testReceiver}

	_, err = service.AppendAction(ledger.ID, ca.CustodyToAddress, receiverArgs, 0, []ca.Party{alice, bob})
	require.NoError(t, err)
	_, err = service.AppendAction(ledger.ID, ca.ChangeCustodyState, map[string]any{"newState": "7"}, 0, []ca.Party{alice})
	require.NoError(t, err)
	_, err = service.AppendAction(ledger.ID, ca.UpdateCustodyState, nil, 7, []ca.Party{bob})
	require.NoError(t, err)

	root, err := service.CustodyID(ledger.ID)
	require.NoError(t, err)
	actions, err := service.GetActions(ledger.ID)
	require.NoError(t, err)

	t.Run("Every leaf proof verifies", func(t *testing.T) {
		for i, a := range actions {
			for p := range a.Parties {
				proof, err := service.LeafProof(ledger.ID, i, p)
				require.NoError(t, err)

				ok, err := ca.VerifyAction(root, a, p, proof)
				require.NoError(t, err)
				assert.True(t, ok, "action %d party %d", i, p)
			}
		}
	})

	t.Run("Merkle proof addresses the first party", func(t *testing.T) {
		proof, err := service.MerkleProof(ledger.ID, 0)
		require.NoError(t, err)

		leafProof, err := service.LeafProof(ledger.ID, 0, 0)
		require.NoError(t, err)
		assert.Equal(t, leafProof, proof)

		_, err = service.MerkleProof(ledger.ID, len(actions))
		require.Error(t, err)
		assert.ErrorIs(t, err, ca.ErrIndexOutOfRange)
	})

	t.Run("Lookup by type and args", func(t *testing.T) {
		proof, err := service.ProofByTypeAndArgs(ledger.ID, ca.CustodyToAddress, receiverArgs, 0, []ca.Party{bob})
		require.NoError(t, err)

		ok, err := ca.VerifyAction(root, actions[0], 1, proof)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Lookup by action", func(t *testing.T) {
		proof, err := service.ProofByAction(ledger.ID, ca.UpdateCustodyState, nil, 7, []ca.Party{bob})
		require.NoError(t, err)
		require.NotEmpty(t, proof)

		ok, err := ca.VerifyAction(root, actions[2], 0, proof)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("Unknown action yields an empty proof", func(t *testing.T) {
		proof, err := service.ProofByTypeAndArgs(ledger.ID, ca.ChangeCustodyState, map[string]any{"newState": 8}, 0, []ca.Party{alice})
		require.NoError(t, err)
		assert.Empty(t, proof)
	})

	t.Run("Export", func(t *testing.T) {
		dump, err := service.ExportTree(ledger.ID)
		require.NoError(t, err)
		assert.Equal(t, "standard-v1", dump.Format)
		assert.Len(t, dump.Values, 4)

		tree, err := ca.LoadStandardTree(dump)
		require.NoError(t, err)
		assert.Equal(t, root, tree.Root())
	})
}

func TestLedgerServiceClearLedger(t *testing.T) {
	t.Parallel()

	service, db, cleanup := setupTestLedgerService(t)
	t.Cleanup(cleanup)

	ledger, err := service.CreateLedger("clear", 137, nil)
	require.NoError(t, err)

	alice := testParty(t)
	_, err = service.AppendAction(ledger.ID, ca.UpdateCA, nil, 0, []ca.Party{alice})
	require.NoError(t, err)
	before, err := service.CustodyID(ledger.ID)
	require.NoError(t, err)

	cleared, err := service.ClearLedger(ledger.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), cleared.Epoch)
	assert.Equal(t, uint64(2), cleared.Version)
	assert.Zero(t, cleared.ActionCount)
	assert.Empty(t, cleared.CustodyID)

	_, err = service.CustodyID(ledger.ID)
	require.Error(t, err)
	assert.ErrorIs(t, err, ca.ErrEmptyCatalog)

	proof, err := service.ProofByAction(ledger.ID, ca.UpdateCA, nil, 0, []ca.Party{alice})
	require.NoError(t, err)
	assert.Empty(t, proof)

	// Rows of the previous epoch stay in the store.
	rows, err := getEpochActions(db, ledger.ID, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	service.PurgeCache()
	actions, err := service.GetActions(ledger.ID)
	require.NoError(t, err)
	assert.Empty(t, actions)

	// Re-appending the same action restores the previous root.
	_, err = service.AppendAction(ledger.ID, ca.UpdateCA, nil, 0, []ca.Party{alice})
	require.NoError(t, err)
	after, err := service.CustodyID(ledger.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}
