package ca

import (
	"crypto/ecdsa"
	"encoding/json"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// ActionType is the on-chain tag of a custody action.
type ActionType uint8

const (
	DeployConnector ActionType = iota
	CallConnector
	CustodyToAddress
	CustodyToConnector
	ChangeCustodyState
	CustodyToCustody
	UpdateCA
	UpdateCustodyState
)

var actionTypeNames = [...]string{
	DeployConnector:    "deploy_connector",
	CallConnector:      "call_connector",
	CustodyToAddress:   "custody_to_address",
	CustodyToConnector: "custody_to_connector",
	ChangeCustodyState: "change_custody_state",
	CustodyToCustody:   "custody_to_custody",
	UpdateCA:           "update_ca",
	UpdateCustodyState: "update_custody_state",
}

// ActionTypes lists every action type in tag order.
func ActionTypes() []ActionType {
	types := make([]ActionType, len(actionTypeNames))
	for i := range actionTypeNames {
		types[i] = ActionType(i)
	}
	return types
}

func (t ActionType) Valid() bool {
	return int(t) < len(actionTypeNames)
}

func (t ActionType) String() string {
	if !t.Valid() {
		return "action_type(" + strconv.Itoa(int(t)) + ")"
	}
	return actionTypeNames[t]
}

// ParseActionType accepts snake_case, camelCase and PascalCase names as well as decimal tags.
func ParseActionType(s string) (ActionType, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseUint(s, 10, 8); err == nil {
		t := ActionType(n)
		if !t.Valid() {
			return 0, errors.Wrapf(ErrUnknownActionType, "tag %d", n)
		}
		return t, nil
	}

	key := foldName(s)
	for i, name := range actionTypeNames {
		if foldName(name) == key {
			return ActionType(i), nil
		}
	}
	return 0, errors.Wrapf(ErrUnknownActionType, "%q", s)
}

func foldName(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", ""))
}

func (t ActionType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

func (t *ActionType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		var tag uint8
		if err := json.Unmarshal(data, &tag); err != nil {
			return errors.Wrap(ErrUnknownActionType, string(data))
		}
		name = strconv.Itoa(int(tag))
	}
	parsed, err := ParseActionType(name)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Party is an authorizing public key in compressed form.
type Party struct {
	Parity uint8       `json:"parity"`
	X      common.Hash `json:"x"`
}

// NewParty left pads x to 32 bytes.
func NewParty(parity uint8, x []byte) (Party, error) {
	if parity > 1 {
		return Party{}, errors.Wrapf(ErrInvalidParty, "parity must be 0 or 1, got %d", parity)
	}
	if len(x) > common.HashLength {
		return Party{}, errors.Wrapf(ErrInvalidParty, "x is %d bytes long", len(x))
	}
	return Party{Parity: parity, X: common.BytesToHash(x)}, nil
}

// PartyFromCompressed decodes a 33 byte SEC1 compressed public key.
func PartyFromCompressed(pub []byte) (Party, error) {
	if len(pub) != 33 {
		return Party{}, errors.Wrapf(ErrInvalidParty, "compressed key must be 33 bytes, got %d", len(pub))
	}
	if pub[0] != 0x02 && pub[0] != 0x03 {
		return Party{}, errors.Wrapf(ErrInvalidParty, "unexpected key prefix 0x%02x", pub[0])
	}
	return Party{Parity: pub[0] - 0x02, X: common.BytesToHash(pub[1:])}, nil
}

func PartyFromPublicKey(pub *ecdsa.PublicKey) Party {
	return Party{
		Parity: uint8(pub.Y.Bit(0)),
		X:      common.BigToHash(pub.X),
	}
}

// Compressed returns the SEC1 compressed encoding of the party key.
func (p Party) Compressed() []byte {
	out := make([]byte, 0, 33)
	out = append(out, 0x02+p.Parity)
	return append(out, p.X[:]...)
}

func (p Party) PublicKey() (*ecdsa.PublicKey, error) {
	pub, err := crypto.DecompressPubkey(p.Compressed())
	if err != nil {
		return nil, errors.Wrap(ErrInvalidParty, err.Error())
	}
	return pub, nil
}

func (p *Party) UnmarshalJSON(data []byte) error {
	var raw struct {
		Parity uint8  `json:"parity"`
		X      string `json:"x"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	x, err := hexutil.Decode(raw.X)
	if err != nil {
		return errors.Wrapf(ErrInvalidParty, "x: %v", err)
	}
	parsed, err := NewParty(raw.Parity, x)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Action is one authorized operation on a custody contract.
type Action struct {
	Type           ActionType     `json:"type"`
	ChainID        uint64         `json:"chainId"`
	CustodyAddress common.Address `json:"custodyAddress"`
	State          uint64         `json:"state"`
	Args           hexutil.Bytes  `json:"args"`
	Parties        []Party        `json:"parties"`
}

// Leaves expands the action into one leaf per party, in party order.
func (a Action) Leaves() []Leaf {
	leaves := make([]Leaf, len(a.Parties))
	for i, p := range a.Parties {
		leaves[i] = Leaf{
			Type:           a.Type,
			ChainID:        a.ChainID,
			CustodyAddress: a.CustodyAddress,
			State:          a.State,
			Args:           a.Args,
			Parity:         p.Parity,
			X:              p.X,
		}
	}
	return leaves
}

func (a Action) clone() Action {
	out := a
	out.Args = append(hexutil.Bytes{}, a.Args...)
	out.Parties = append([]Party(nil), a.Parties...)
	return out
}

// Leaf is a single (action, party) entry of the custody tree.
type Leaf struct {
	Type           ActionType     `json:"type"`
	ChainID        uint64         `json:"chainId"`
	CustodyAddress common.Address `json:"custodyAddress"`
	State          uint64         `json:"state"`
	Args           hexutil.Bytes  `json:"args"`
	Parity         uint8          `json:"parity"`
	X              common.Hash    `json:"x"`
}

// Values returns the leaf fields as ABI values in leaf encoding order.
func (l Leaf) Values() []any {
	args := []byte(l.Args)
	if args == nil {
		args = []byte{}
	}
	return []any{
		uint8(l.Type),
		new(big.Int).SetUint64(l.ChainID),
		l.CustodyAddress,
		new(big.Int).SetUint64(l.State),
		args,
		l.Parity,
		[32]byte(l.X),
	}
}

// Hash returns the standard tree leaf hash, keccak256(keccak256(abi.encode(values))).
func (l Leaf) Hash() (common.Hash, error) {
	return LeafHash(leafArguments, l.Values())
}
