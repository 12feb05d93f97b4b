package ca

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

const standardTreeFormat = "standard-v1"

// StandardTree is a Merkle tree compatible with the OpenZeppelin
// StandardMerkleTree: leaves are double keccak hashes of ABI encoded values,
// pairs are sorted before hashing and the nodes are stored in a flat array
// with the root at index 0 and the leaves at the tail.
type StandardTree struct {
	leafTypes abi.Arguments
	tree      []common.Hash
	values    []treeValue
}

type treeValue struct {
	value     []any
	treeIndex int
}

// NewStandardTree builds a tree over values encoded with leafTypes. With
// sortLeaves the leaves are ordered by hash, making the root independent of
// insertion order. Proofs are always addressed by value index.
func NewStandardTree(leafTypes abi.Arguments, values [][]any, sortLeaves bool) (*StandardTree, error) {
	if len(values) == 0 {
		return nil, errors.Wrap(ErrInvalidTree, "tree must contain at least one leaf")
	}

	type hashedValue struct {
		valueIndex int
		hash       common.Hash
	}
	st := &StandardTree{
		leafTypes: leafTypes,
		values:    make([]treeValue, len(values)),
	}
	hashed := make([]hashedValue, len(values))
	for i, v := range values {
		coerced, err := coerceAll(leafTypes, v)
		if err != nil {
			return nil, errors.Wrapf(err, "value %d", i)
		}
		h, err := hashLeaf(leafTypes, coerced)
		if err != nil {
			return nil, errors.Wrapf(err, "value %d", i)
		}
		st.values[i].value = coerced
		hashed[i] = hashedValue{valueIndex: i, hash: h}
	}
	if sortLeaves {
		sort.SliceStable(hashed, func(a, b int) bool {
			return bytes.Compare(hashed[a].hash[:], hashed[b].hash[:]) < 0
		})
	}

	leaves := make([]common.Hash, len(hashed))
	for i, hv := range hashed {
		leaves[i] = hv.hash
	}
	st.tree = buildTree(leaves)
	for leafIndex, hv := range hashed {
		st.values[hv.valueIndex].treeIndex = len(st.tree) - 1 - leafIndex
	}
	return st, nil
}

func buildTree(leaves []common.Hash) []common.Hash {
	tree := make([]common.Hash, 2*len(leaves)-1)
	for i, leaf := range leaves {
		tree[len(tree)-1-i] = leaf
	}
	for i := len(tree) - 1 - len(leaves); i >= 0; i-- {
		tree[i] = hashPair(tree[2*i+1], tree[2*i+2])
	}
	return tree
}

// LeafHash returns keccak256(keccak256(abi.encode(values))).
func LeafHash(leafTypes abi.Arguments, values []any) (common.Hash, error) {
	coerced, err := coerceAll(leafTypes, values)
	if err != nil {
		return common.Hash{}, err
	}
	return hashLeaf(leafTypes, coerced)
}

func hashLeaf(leafTypes abi.Arguments, coerced []any) (common.Hash, error) {
	packed, err := leafTypes.Pack(coerced...)
	if err != nil {
		return common.Hash{}, errors.Wrap(ErrInvalidArgument, err.Error())
	}
	return crypto.Keccak256Hash(crypto.Keccak256(packed)), nil
}

func hashPair(a, b common.Hash) common.Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return crypto.Keccak256Hash(a[:], b[:])
}

func (t *StandardTree) Root() common.Hash {
	return t.tree[0]
}

// Len returns the number of leaves.
func (t *StandardTree) Len() int {
	return len(t.values)
}

// Value returns the coerced values of leaf i.
func (t *StandardTree) Value(i int) ([]any, error) {
	if i < 0 || i >= len(t.values) {
		return nil, errors.Wrapf(ErrIndexOutOfRange, "value index %d, valid range [0, %d)", i, len(t.values))
	}
	return append([]any(nil), t.values[i].value...), nil
}

// LeafHashAt returns the hash of leaf i.
func (t *StandardTree) LeafHashAt(i int) (common.Hash, error) {
	if i < 0 || i >= len(t.values) {
		return common.Hash{}, errors.Wrapf(ErrIndexOutOfRange, "value index %d, valid range [0, %d)", i, len(t.values))
	}
	return t.tree[t.values[i].treeIndex], nil
}

// Proof returns the sibling path of leaf i from the leaf up to the root.
// A single leaf tree yields an empty proof.
func (t *StandardTree) Proof(i int) ([]common.Hash, error) {
	if i < 0 || i >= len(t.values) {
		return nil, errors.Wrapf(ErrIndexOutOfRange, "value index %d, valid range [0, %d)", i, len(t.values))
	}
	proof := make([]common.Hash, 0)
	for idx := t.values[i].treeIndex; idx > 0; idx = (idx - 1) / 2 {
		proof = append(proof, t.tree[siblingIndex(idx)])
	}
	return proof, nil
}

func siblingIndex(i int) int {
	if i%2 == 0 {
		return i - 1
	}
	return i + 1
}

// ProcessProof folds proof into leaf and returns the resulting root.
func ProcessProof(leaf common.Hash, proof []common.Hash) common.Hash {
	computed := leaf
	for _, sibling := range proof {
		computed = hashPair(computed, sibling)
	}
	return computed
}

func VerifyProof(root, leaf common.Hash, proof []common.Hash) bool {
	return ProcessProof(leaf, proof) == root
}

// StandardTreeDump is the "standard-v1" JSON form of a tree.
type StandardTreeDump struct {
	Format       string              `json:"format"`
	LeafEncoding []string            `json:"leafEncoding"`
	Tree         []common.Hash       `json:"tree"`
	Values       []StandardTreeEntry `json:"values"`
}

type StandardTreeEntry struct {
	Value     []any `json:"value"`
	TreeIndex int   `json:"treeIndex"`
}

func (t *StandardTree) Dump() StandardTreeDump {
	dump := StandardTreeDump{
		Format:       standardTreeFormat,
		LeafEncoding: typeNames(t.leafTypes),
		Tree:         append([]common.Hash(nil), t.tree...),
		Values:       make([]StandardTreeEntry, len(t.values)),
	}
	for i, v := range t.values {
		formatted := make([]any, len(v.value))
		for j, arg := range t.leafTypes {
			formatted[j] = formatValue(arg.Type, v.value[j])
		}
		dump.Values[i] = StandardTreeEntry{Value: formatted, TreeIndex: v.treeIndex}
	}
	return dump
}

func (t *StandardTree) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Dump())
}

// LoadStandardTree restores a dumped tree and checks every leaf and node hash.
func LoadStandardTree(dump StandardTreeDump) (*StandardTree, error) {
	if dump.Format != standardTreeFormat {
		return nil, errors.Wrapf(ErrInvalidTree, "unknown format %q", dump.Format)
	}
	leafTypes, err := ParseParameters(strings.Join(dump.LeafEncoding, ", "))
	if err != nil {
		return nil, errors.Wrap(err, "leaf encoding")
	}
	if len(dump.Tree) == 0 || len(dump.Tree) != 2*len(dump.Values)-1 {
		return nil, errors.Wrapf(ErrInvalidTree, "%d nodes for %d values", len(dump.Tree), len(dump.Values))
	}

	st := &StandardTree{
		leafTypes: leafTypes,
		tree:      append([]common.Hash(nil), dump.Tree...),
		values:    make([]treeValue, len(dump.Values)),
	}
	firstLeaf := len(st.tree) / 2
	seen := make(map[int]bool, len(dump.Values))
	for i, entry := range dump.Values {
		if entry.TreeIndex < firstLeaf || entry.TreeIndex >= len(st.tree) || seen[entry.TreeIndex] {
			return nil, errors.Wrapf(ErrInvalidTree, "value %d has invalid tree index %d", i, entry.TreeIndex)
		}
		seen[entry.TreeIndex] = true

		coerced, err := coerceAll(leafTypes, entry.Value)
		if err != nil {
			return nil, errors.Wrapf(err, "value %d", i)
		}
		h, err := hashLeaf(leafTypes, coerced)
		if err != nil {
			return nil, errors.Wrapf(err, "value %d", i)
		}
		if h != st.tree[entry.TreeIndex] {
			return nil, errors.Wrapf(ErrInvalidTree, "value %d does not match leaf %d", i, entry.TreeIndex)
		}
		st.values[i] = treeValue{value: coerced, treeIndex: entry.TreeIndex}
	}
	for i := firstLeaf - 1; i >= 0; i-- {
		if st.tree[i] != hashPair(st.tree[2*i+1], st.tree[2*i+2]) {
			return nil, errors.Wrapf(ErrInvalidTree, "node %d does not match its children", i)
		}
	}
	return st, nil
}
