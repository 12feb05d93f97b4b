package ca

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// Catalog is the ordered, append only action list of one custody.
type Catalog struct {
	chainID uint64
	custody common.Address
	actions []Action

	// version is bumped by every mutation; cache is valid only while it matches.
	version uint64
	cache   *cachedTree
}

type cachedTree struct {
	version uint64
	tree    *StandardTree
	// offsets[i] is the value index of the first leaf of action i.
	offsets []int
	// lookup maps a leaf hash to its first value index.
	lookup map[common.Hash]int
}

func NewCatalog(chainID uint64, custody common.Address) *Catalog {
	return &Catalog{chainID: chainID, custody: custody}
}

func (c *Catalog) ChainID() uint64 {
	return c.chainID
}

func (c *Catalog) CustodyAddress() common.Address {
	return c.custody
}

func (c *Catalog) Len() int {
	return len(c.actions)
}

// Version counts mutations since the catalog was created.
func (c *Catalog) Version() uint64 {
	return c.version
}

func (c *Catalog) Action(i int) (Action, error) {
	if i < 0 || i >= len(c.actions) {
		return Action{}, errors.Wrapf(ErrIndexOutOfRange, "action index %d, valid range [0, %d)", i, len(c.actions))
	}
	return c.actions[i].clone(), nil
}

func (c *Catalog) Actions() []Action {
	out := make([]Action, len(c.actions))
	for i, a := range c.actions {
		out[i] = a.clone()
	}
	return out
}

// Leaves flattens the catalog in action order, then party order.
func (c *Catalog) Leaves() []Leaf {
	var leaves []Leaf
	for _, a := range c.actions {
		leaves = append(leaves, a.Leaves()...)
	}
	return leaves
}

func (c *Catalog) DeployConnector(connectorType common.Hash, factory common.Address, callData CallData, state uint64, parties ...Party) (int, error) {
	return c.Append(DeployConnectorArgs{ConnectorType: connectorType, Factory: factory, CallData: callData}, state, parties...)
}

// CallConnector accepts RawCallData or a FunctionCall that is encoded on insertion.
func (c *Catalog) CallConnector(connectorType common.Hash, connector common.Address, callData CallData, state uint64, parties ...Party) (int, error) {
	return c.Append(CallConnectorArgs{ConnectorType: connectorType, Connector: connector, CallData: callData}, state, parties...)
}

func (c *Catalog) CustodyToAddress(receiver common.Address, state uint64, parties ...Party) (int, error) {
	return c.Append(CustodyToAddressArgs{Receiver: receiver}, state, parties...)
}

func (c *Catalog) CustodyToConnector(connector, token common.Address, state uint64, parties ...Party) (int, error) {
	return c.Append(CustodyToConnectorArgs{Connector: connector, Token: token}, state, parties...)
}

func (c *Catalog) ChangeCustodyState(newState, state uint64, parties ...Party) (int, error) {
	return c.Append(ChangeCustodyStateArgs{NewState: newState}, state, parties...)
}

func (c *Catalog) CustodyToCustody(receiverID common.Hash, state uint64, parties ...Party) (int, error) {
	return c.Append(CustodyToCustodyArgs{ReceiverID: receiverID}, state, parties...)
}

func (c *Catalog) UpdateCA(state uint64, parties ...Party) (int, error) {
	return c.Append(UpdateCAArgs{}, state, parties...)
}

func (c *Catalog) UpdateCustodyState(state uint64, parties ...Party) (int, error) {
	return c.Append(UpdateCustodyStateArgs{}, state, parties...)
}

// Append encodes args and adds the action, returning its catalog index.
func (c *Catalog) Append(args ActionArgs, state uint64, parties ...Party) (int, error) {
	encoded, err := EncodeArgs(args)
	if err != nil {
		return -1, err
	}
	return c.push(c.newAction(args.Type(), state, encoded, parties))
}

// AppendMap is Append for named arguments, see EncodeArgsMap.
func (c *Catalog) AppendMap(t ActionType, named map[string]any, state uint64, parties ...Party) (int, error) {
	encoded, err := EncodeArgsMap(t, named)
	if err != nil {
		return -1, err
	}
	return c.push(c.newAction(t, state, encoded, parties))
}

// Restore appends an already encoded action, e.g. one loaded from storage.
func (c *Catalog) Restore(a Action) (int, error) {
	if !a.Type.Valid() {
		return -1, errors.Wrapf(ErrUnknownActionType, "tag %d", uint8(a.Type))
	}
	if a.ChainID != c.chainID || a.CustodyAddress != c.custody {
		return -1, errors.Wrapf(ErrCatalogMismatch, "action is for chain %d custody %s, catalog is chain %d custody %s",
			a.ChainID, a.CustodyAddress.Hex(), c.chainID, c.custody.Hex())
	}
	return c.push(a.clone())
}

// Clear removes every action.
func (c *Catalog) Clear() {
	c.actions = nil
	c.version++
}

func (c *Catalog) newAction(t ActionType, state uint64, args []byte, parties []Party) Action {
	return Action{
		Type:           t,
		ChainID:        c.chainID,
		CustodyAddress: c.custody,
		State:          state,
		Args:           args,
		Parties:        append([]Party(nil), parties...),
	}
}

func (c *Catalog) push(a Action) (int, error) {
	if len(a.Parties) == 0 {
		return -1, errors.Wrapf(ErrNoParties, "%s", a.Type)
	}
	c.actions = append(c.actions, a)
	c.version++
	return len(c.actions) - 1, nil
}

// Tree returns the standard tree over the current leaves, rebuilding it only
// after a mutation.
func (c *Catalog) Tree() (*StandardTree, error) {
	ct, err := c.cachedTree()
	if err != nil {
		return nil, err
	}
	return ct.tree, nil
}

func (c *Catalog) cachedTree() (*cachedTree, error) {
	if c.cache != nil && c.cache.version == c.version {
		return c.cache, nil
	}
	if len(c.actions) == 0 {
		return nil, ErrEmptyCatalog
	}

	offsets := make([]int, len(c.actions))
	var values [][]any
	for i, a := range c.actions {
		offsets[i] = len(values)
		for _, leaf := range a.Leaves() {
			values = append(values, leaf.Values())
		}
	}

	tree, err := NewStandardTree(leafArguments, values, true)
	if err != nil {
		return nil, err
	}
	lookup := make(map[common.Hash]int, len(values))
	for i := len(values) - 1; i >= 0; i-- {
		h, err := tree.LeafHashAt(i)
		if err != nil {
			return nil, err
		}
		lookup[h] = i
	}

	c.cache = &cachedTree{version: c.version, tree: tree, offsets: offsets, lookup: lookup}
	return c.cache, nil
}
