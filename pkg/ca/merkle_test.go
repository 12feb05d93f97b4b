package ca

import (
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func simpleTypes(t *testing.T) abi.Arguments {
	args, err := ParseParameters("address, uint256")
	require.NoError(t, err)
	return args
}

func simpleValues(n int) [][]any {
	values := make([][]any, n)
	for i := range values {
		values[i] = []any{common.BigToAddress(common.Big1).Hex(), i + 1}
	}
	return values
}

func TestStandardTree(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		_, err := NewStandardTree(simpleTypes(t), nil, true)
		require.ErrorIs(t, err, ErrInvalidTree)
	})

	t.Run("SingleLeaf", func(t *testing.T) {
		types := simpleTypes(t)
		tree, err := NewStandardTree(types, simpleValues(1), true)
		require.NoError(t, err)

		leaf, err := LeafHash(types, simpleValues(1)[0])
		require.NoError(t, err)
		assert.Equal(t, leaf, tree.Root())

		proof, err := tree.Proof(0)
		require.NoError(t, err)
		assert.NotNil(t, proof)
		assert.Empty(t, proof)
		assert.True(t, VerifyProof(tree.Root(), leaf, proof))
	})

	t.Run("UnsortedLayout", func(t *testing.T) {
		types := simpleTypes(t)
		values := simpleValues(3)
		tree, err := NewStandardTree(types, values, false)
		require.NoError(t, err)

		h := make([]common.Hash, 3)
		for i := range values {
			h[i], err = LeafHash(types, values[i])
			require.NoError(t, err)
		}
		// leaves fill the tail of the array in reverse: tree[4]=h0, tree[3]=h1, tree[2]=h2
		node1 := hashPair(h[1], h[0])
		assert.Equal(t, hashPair(node1, h[2]), tree.Root())

		proof, err := tree.Proof(0)
		require.NoError(t, err)
		assert.Equal(t, []common.Hash{h[1], h[2]}, proof)

		proof, err = tree.Proof(2)
		require.NoError(t, err)
		assert.Equal(t, []common.Hash{node1}, proof)
	})

	t.Run("HashPairIsCommutative", func(t *testing.T) {
		a := crypto.Keccak256Hash([]byte("a"))
		b := crypto.Keccak256Hash([]byte("b"))
		assert.Equal(t, hashPair(a, b), hashPair(b, a))
	})

	t.Run("Sorting", func(t *testing.T) {
		types := simpleTypes(t)
		values := simpleValues(5)
		reversed := make([][]any, len(values))
		for i := range values {
			reversed[len(values)-1-i] = values[i]
		}

		sorted, err := NewStandardTree(types, values, true)
		require.NoError(t, err)
		sortedReversed, err := NewStandardTree(types, reversed, true)
		require.NoError(t, err)
		assert.Equal(t, sorted.Root(), sortedReversed.Root())

		unsorted, err := NewStandardTree(types, values, false)
		require.NoError(t, err)
		unsortedReversed, err := NewStandardTree(types, reversed, false)
		require.NoError(t, err)
		assert.NotEqual(t, unsorted.Root(), unsortedReversed.Root())
	})

	t.Run("ProofsVerify", func(t *testing.T) {
		types := simpleTypes(t)
		values := simpleValues(7)
		for _, sortLeaves := range []bool{true, false} {
			tree, err := NewStandardTree(types, values, sortLeaves)
			require.NoError(t, err)
			require.Equal(t, 7, tree.Len())

			for i := range values {
				proof, err := tree.Proof(i)
				require.NoError(t, err)
				leaf, err := LeafHash(types, values[i])
				require.NoError(t, err)
				at, err := tree.LeafHashAt(i)
				require.NoError(t, err)
				assert.Equal(t, leaf, at)
				assert.True(t, VerifyProof(tree.Root(), leaf, proof), "value %d", i)
				assert.False(t, VerifyProof(common.Hash{}, leaf, proof))
			}
		}
	})

	t.Run("OutOfRange", func(t *testing.T) {
		tree, err := NewStandardTree(simpleTypes(t), simpleValues(2), true)
		require.NoError(t, err)
		_, err = tree.Proof(2)
		require.ErrorIs(t, err, ErrIndexOutOfRange)
		_, err = tree.Proof(-1)
		require.ErrorIs(t, err, ErrIndexOutOfRange)
		_, err = tree.Value(5)
		require.ErrorIs(t, err, ErrIndexOutOfRange)
	})

	t.Run("InvalidValue", func(t *testing.T) {
		_, err := NewStandardTree(simpleTypes(t), [][]any{{"not an address", 1}}, true)
		require.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestStandardTreeDump(t *testing.T) {
	types := simpleTypes(t)
	tree, err := NewStandardTree(types, simpleValues(4), true)
	require.NoError(t, err)

	data, err := json.Marshal(tree)
	require.NoError(t, err)

	var dump StandardTreeDump
	require.NoError(t, json.Unmarshal(data, &dump))
	assert.Equal(t, "standard-v1", dump.Format)
	assert.Equal(t, []string{"address", "uint256"}, dump.LeafEncoding)
	assert.Len(t, dump.Tree, 7)
	assert.Equal(t, "2", dump.Values[1].Value[1])

	loaded, err := LoadStandardTree(dump)
	require.NoError(t, err)
	assert.Equal(t, tree.Root(), loaded.Root())
	for i := 0; i < tree.Len(); i++ {
		expected, err := tree.Proof(i)
		require.NoError(t, err)
		actual, err := loaded.Proof(i)
		require.NoError(t, err)
		assert.Equal(t, expected, actual)
	}

	t.Run("TamperedValue", func(t *testing.T) {
		var tampered StandardTreeDump
		require.NoError(t, json.Unmarshal(data, &tampered))
		tampered.Values[0].Value[1] = "99"
		_, err := LoadStandardTree(tampered)
		require.ErrorIs(t, err, ErrInvalidTree)
	})

	t.Run("TamperedNode", func(t *testing.T) {
		var tampered StandardTreeDump
		require.NoError(t, json.Unmarshal(data, &tampered))
		tampered.Tree[0] = common.Hash{1}
		_, err := LoadStandardTree(tampered)
		require.ErrorIs(t, err, ErrInvalidTree)
	})

	t.Run("UnknownFormat", func(t *testing.T) {
		_, err := LoadStandardTree(StandardTreeDump{Format: "simple-v1"})
		require.ErrorIs(t, err, ErrInvalidTree)
	})

	t.Run("BadShape", func(t *testing.T) {
		var tampered StandardTreeDump
		require.NoError(t, json.Unmarshal(data, &tampered))
		tampered.Tree = tampered.Tree[:5]
		_, err := LoadStandardTree(tampered)
		require.ErrorIs(t, err, ErrInvalidTree)
	})
}

// Root of the OpenZeppelin StandardMerkleTree README example:
// StandardMerkleTree.of([[addr1, "5000000000000000000"], [addr2, "2500000000000000000"]], ["address", "uint256"]).
func TestStandardTreeOpenZeppelinVector(t *testing.T) {
	values := [][]any{
		{"0x1111111111111111111111111111111111111111", "5000000000000000000"},
		{"0x2222222222222222222222222222222222222222", "2500000000000000000"},
	}
	tree, err := NewStandardTree(simpleTypes(t), values, true)
	require.NoError(t, err)
	assert.Equal(t, common.HexToHash("0xd4dee0beab2d53f2cc83e567171bd2820e49898130a22622b10ead383e90bd77"), tree.Root())

	for i := range values {
		leaf, err := tree.LeafHashAt(i)
		require.NoError(t, err)
		proof, err := tree.Proof(i)
		require.NoError(t, err)
		assert.Len(t, proof, 1)
		assert.True(t, VerifyProof(tree.Root(), leaf, proof))
	}
}
