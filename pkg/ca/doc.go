// Package ca builds custody action authority sets.
//
// A Catalog holds the ordered list of actions a custody contract is allowed
// to execute. Every action carries a type tag, the custody chain and address,
// a state gate, ABI encoded arguments and one or more authorizing parties.
// Each (action, party) pair becomes one leaf of an OpenZeppelin compatible
// standard Merkle tree whose root is the custody ID published on chain.
//
// The leaf layout is fixed:
//
//	(uint8 type, uint256 chainId, address custody, uint256 state, bytes args, uint8 parity, bytes32 x)
//
// Usage
//
//	catalog := ca.NewCatalog(1, custodyAddress)
//	if _, err := catalog.CustodyToAddress(receiver, 1, party); err != nil {
//	    return err
//	}
//	root, err := catalog.CustodyID()
//	proof, err := catalog.MerkleProof(0)
//
// Proofs verify with VerifyProof against the root and the leaf hash, exactly
// as MerkleProof.verify does on chain.
//
// A Catalog is not safe for concurrent use.
package ca
