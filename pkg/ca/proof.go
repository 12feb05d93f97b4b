package ca

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
)

// CustodyID returns the root of the tree over all current leaves.
func (c *Catalog) CustodyID() (common.Hash, error) {
	ct, err := c.cachedTree()
	if err != nil {
		return common.Hash{}, err
	}
	return ct.tree.Root(), nil
}

// MerkleProof returns the proof of the first party leaf of action index.
// The index is checked first; only a tree with a single leaf then has an
// empty proof, so one action signed by two parties still gets a sibling.
func (c *Catalog) MerkleProof(index int) ([]common.Hash, error) {
	return c.LeafProof(index, 0)
}

// LeafProof returns the proof of the leaf for party partyIndex of action actionIndex.
func (c *Catalog) LeafProof(actionIndex, partyIndex int) ([]common.Hash, error) {
	if actionIndex < 0 || actionIndex >= len(c.actions) {
		return nil, errors.Wrapf(ErrIndexOutOfRange, "action index %d, valid range [0, %d)", actionIndex, len(c.actions))
	}
	parties := len(c.actions[actionIndex].Parties)
	if partyIndex < 0 || partyIndex >= parties {
		return nil, errors.Wrapf(ErrIndexOutOfRange, "party index %d, valid range [0, %d)", partyIndex, parties)
	}

	ct, err := c.cachedTree()
	if err != nil {
		return nil, err
	}
	if ct.tree.Len() == 1 {
		return []common.Hash{}, nil
	}
	return ct.tree.Proof(ct.offsets[actionIndex] + partyIndex)
}

// ProofByAction returns the proof of the first leaf of a that is part of the
// tree, trying parties in order. An action that was never authorized yields an
// empty proof and no error.
func (c *Catalog) ProofByAction(a Action) ([]common.Hash, error) {
	if len(c.actions) == 0 {
		return []common.Hash{}, nil
	}
	ct, err := c.cachedTree()
	if err != nil {
		return nil, err
	}
	for _, leaf := range a.Leaves() {
		h, err := leaf.Hash()
		if err != nil {
			return nil, err
		}
		if i, ok := ct.lookup[h]; ok {
			return ct.tree.Proof(i)
		}
	}
	return []common.Hash{}, nil
}

// ProofByTypeAndArgs encodes args the same way Append does and looks the
// resulting action up without inserting it.
func (c *Catalog) ProofByTypeAndArgs(args ActionArgs, state uint64, parties ...Party) ([]common.Hash, error) {
	encoded, err := EncodeArgs(args)
	if err != nil {
		return nil, err
	}
	return c.ProofByAction(c.newAction(args.Type(), state, encoded, parties))
}

// ProofByTypeAndArgsMap is ProofByTypeAndArgs for named arguments.
func (c *Catalog) ProofByTypeAndArgsMap(t ActionType, named map[string]any, state uint64, parties ...Party) ([]common.Hash, error) {
	encoded, err := EncodeArgsMap(t, named)
	if err != nil {
		return nil, err
	}
	return c.ProofByAction(c.newAction(t, state, encoded, parties))
}

// VerifyAction checks proof for the leaf of party partyIndex of a against root.
func VerifyAction(root common.Hash, a Action, partyIndex int, proof []common.Hash) (bool, error) {
	if partyIndex < 0 || partyIndex >= len(a.Parties) {
		return false, errors.Wrapf(ErrIndexOutOfRange, "party index %d, valid range [0, %d)", partyIndex, len(a.Parties))
	}
	h, err := a.Leaves()[partyIndex].Hash()
	if err != nil {
		return false, err
	}
	return VerifyProof(root, h, proof), nil
}
