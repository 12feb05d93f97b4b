package ca

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// ActionArgs is the typed argument set of one action type.
type ActionArgs interface {
	Type() ActionType
	values() []any
}

// CallData is the payload a connector is deployed or called with.
type CallData interface {
	Bytes() ([]byte, error)
}

// RawCallData is already encoded call data.
type RawCallData []byte

func (d RawCallData) Bytes() ([]byte, error) {
	if d == nil {
		return []byte{}, nil
	}
	return []byte(d), nil
}

// FunctionCall is a contract call encoded on demand with EncodeFunctionCall.
type FunctionCall struct {
	Signature string `json:"type"`
	Args      []any  `json:"args"`
}

func (c FunctionCall) Bytes() ([]byte, error) {
	return EncodeFunctionCall(c.Signature, c.Args...)
}

type DeployConnectorArgs struct {
	ConnectorType common.Hash
	Factory       common.Address
	CallData      CallData
}

func (DeployConnectorArgs) Type() ActionType { return DeployConnector }
func (a DeployConnectorArgs) values() []any {
	return []any{a.ConnectorType, a.Factory, callDataValue(a.CallData)}
}

type CallConnectorArgs struct {
	ConnectorType common.Hash
	Connector     common.Address
	CallData      CallData
}

func (CallConnectorArgs) Type() ActionType { return CallConnector }
func (a CallConnectorArgs) values() []any {
	return []any{a.ConnectorType, a.Connector, callDataValue(a.CallData)}
}

type CustodyToAddressArgs struct {
	Receiver common.Address
}

func (CustodyToAddressArgs) Type() ActionType { return CustodyToAddress }
func (a CustodyToAddressArgs) values() []any  { return []any{a.Receiver} }

type CustodyToConnectorArgs struct {
	Connector common.Address
	Token     common.Address
}

func (CustodyToConnectorArgs) Type() ActionType { return CustodyToConnector }
func (a CustodyToConnectorArgs) values() []any  { return []any{a.Connector, a.Token} }

type ChangeCustodyStateArgs struct {
	NewState uint64
}

func (ChangeCustodyStateArgs) Type() ActionType { return ChangeCustodyState }
func (a ChangeCustodyStateArgs) values() []any  { return []any{a.NewState} }

type CustodyToCustodyArgs struct {
	ReceiverID common.Hash
}

func (CustodyToCustodyArgs) Type() ActionType { return CustodyToCustody }
func (a CustodyToCustodyArgs) values() []any  { return []any{a.ReceiverID} }

type UpdateCAArgs struct{}

func (UpdateCAArgs) Type() ActionType { return UpdateCA }
func (UpdateCAArgs) values() []any    { return nil }

type UpdateCustodyStateArgs struct{}

func (UpdateCustodyStateArgs) Type() ActionType { return UpdateCustodyState }
func (UpdateCustodyStateArgs) values() []any    { return nil }

func callDataValue(d CallData) any {
	if d == nil {
		return RawCallData(nil)
	}
	return d
}

// ConnectorType returns the bytes32 identifier of a connector kind name.
func ConnectorType(name string) common.Hash {
	return crypto.Keccak256Hash([]byte(name))
}

// EncodeArgs ABI encodes typed action arguments. Actions without parameters
// encode to empty bytes.
func EncodeArgs(args ActionArgs) ([]byte, error) {
	if args == nil {
		return nil, errors.Wrap(ErrUnknownActionType, "nil arguments")
	}
	schema, err := Schema(args.Type())
	if err != nil {
		return nil, err
	}
	if len(schema) == 0 {
		return []byte{}, nil
	}
	packed, err := packValues(schema, args.values())
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", args.Type())
	}
	return packed, nil
}

// EncodeArgsMap ABI encodes named arguments against the schema of t. Every
// schema parameter must be present; unknown keys are ignored. For connector
// actions a callData given as {"type": signature, "args": [...]} is encoded
// with EncodeFunctionCall first.
func EncodeArgsMap(t ActionType, named map[string]any) ([]byte, error) {
	schema, err := Schema(t)
	if err != nil {
		return nil, err
	}
	if len(schema) == 0 {
		return []byte{}, nil
	}

	values := make([]any, len(schema))
	for i, arg := range schema {
		v, ok := named[arg.Name]
		if !ok {
			return nil, errors.Wrapf(ErrMissingArgument, "%s requires %q", t, arg.Name)
		}
		if arg.Name == "callData" {
			v, err = materializeCallData(v)
			if err != nil {
				return nil, errors.Wrapf(err, "%s callData", t)
			}
		}
		values[i] = v
	}

	packed, err := packValues(schema, values)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", t)
	}
	return packed, nil
}

func materializeCallData(v any) (any, error) {
	switch x := v.(type) {
	case CallData:
		return x.Bytes()
	case map[string]any:
		sig, ok := x["type"].(string)
		if !ok {
			return nil, errors.Wrap(ErrInvalidArgument, "structured call data needs a string \"type\" signature")
		}
		var args []any
		if raw, ok := x["args"]; ok && raw != nil {
			args, ok = raw.([]any)
			if !ok {
				return nil, errors.Wrap(ErrInvalidArgument, "structured call data \"args\" must be a list")
			}
		}
		return EncodeFunctionCall(sig, args...)
	}
	return v, nil
}

// DecodeArgs decodes encoded action arguments into a map keyed by parameter name.
func DecodeArgs(t ActionType, data []byte) (map[string]any, error) {
	schema, err := Schema(t)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, len(schema))
	if len(schema) == 0 {
		if len(data) != 0 {
			return nil, errors.Wrapf(ErrInvalidArgument, "%s takes no arguments, got %d bytes", t, len(data))
		}
		return out, nil
	}
	values, err := schema.Unpack(data)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidArgument, "decode %s: %v", t, err)
	}
	for i, arg := range schema {
		out[arg.Name] = values[i]
	}
	return out, nil
}

// EncodeFunctionCall returns the 4 byte selector of signature followed by the
// ABI encoding of args. The parameter list is truncated to len(args), so
// trailing parameters may be omitted.
func EncodeFunctionCall(signature string, args ...any) ([]byte, error) {
	name, params, err := parseSignature(signature)
	if err != nil {
		return nil, err
	}
	if len(args) > len(params) {
		return nil, errors.Wrapf(ErrTooManyArguments, "%s takes %d arguments, got %d", signature, len(params), len(args))
	}

	packed, err := packValues(params[:len(args)], args)
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s", signature)
	}
	out := make([]byte, 0, 4+len(packed))
	out = append(out, selector(name, params)...)
	return append(out, packed...), nil
}

// FunctionSelector returns the first 4 bytes of keccak256 over the canonical signature.
func FunctionSelector(signature string) ([]byte, error) {
	name, params, err := parseSignature(signature)
	if err != nil {
		return nil, err
	}
	return selector(name, params), nil
}

// CanonicalSignature strips parameter names and expands type aliases,
// e.g. "transfer(address to, uint amount)" becomes "transfer(address,uint256)".
func CanonicalSignature(signature string) (string, error) {
	name, params, err := parseSignature(signature)
	if err != nil {
		return "", err
	}
	return canonical(name, params), nil
}

func selector(name string, params abi.Arguments) []byte {
	return crypto.Keccak256([]byte(canonical(name, params)))[:4]
}

func canonical(name string, params abi.Arguments) string {
	return name + "(" + strings.Join(typeNames(params), ",") + ")"
}

func parseSignature(signature string) (string, abi.Arguments, error) {
	sig := strings.TrimSpace(signature)
	sig = strings.TrimSpace(strings.TrimPrefix(sig, "function "))

	open := strings.IndexByte(sig, '(')
	if open <= 0 {
		return "", nil, errors.Wrapf(ErrInvalidArgument, "invalid function signature %q", signature)
	}
	end := closingParen(sig[open:])
	if end < 0 {
		return "", nil, errors.Wrapf(ErrInvalidArgument, "invalid function signature %q", signature)
	}

	params, err := ParseParameters(sig[open+1 : open+end])
	if err != nil {
		return "", nil, errors.Wrapf(err, "signature %q", signature)
	}
	return strings.TrimSpace(sig[:open]), params, nil
}
