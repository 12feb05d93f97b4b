package ca

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/pkg/errors"
)

// Argument lists the custody contract decodes for each action type.
var schemaDefinitions = [...]string{
	DeployConnector:    "bytes32 connectorType, address factory, bytes callData",
	CallConnector:      "bytes32 connectorType, address connector, bytes callData",
	CustodyToAddress:   "address receiver",
	CustodyToConnector: "address connector, address token",
	ChangeCustodyState: "uint256 newState",
	CustodyToCustody:   "bytes32 receiverId",
	UpdateCA:           "",
	UpdateCustodyState: "",
}

const leafDefinition = "uint8 type, uint256 chainId, address custody, uint256 state, bytes args, uint8 parity, bytes32 x"

var (
	schemas       = mustParseSchemas()
	leafArguments = mustParseParameters(leafDefinition)
)

func mustParseSchemas() []abi.Arguments {
	out := make([]abi.Arguments, len(schemaDefinitions))
	for i, def := range schemaDefinitions {
		out[i] = mustParseParameters(def)
	}
	return out
}

func mustParseParameters(def string) abi.Arguments {
	args, err := ParseParameters(def)
	if err != nil {
		panic(err)
	}
	return args
}

// Schema returns the ABI parameters of an action type.
func Schema(t ActionType) (abi.Arguments, error) {
	if !t.Valid() {
		return nil, errors.Wrapf(ErrUnknownActionType, "tag %d", uint8(t))
	}
	return schemas[t], nil
}

// SchemaDefinition returns the human readable parameter list of an action type.
func SchemaDefinition(t ActionType) (string, error) {
	if !t.Valid() {
		return "", errors.Wrapf(ErrUnknownActionType, "tag %d", uint8(t))
	}
	return schemaDefinitions[t], nil
}

// LeafEncoding returns the ABI type names of the leaf tuple.
func LeafEncoding() []string {
	return typeNames(leafArguments)
}

func typeNames(args abi.Arguments) []string {
	names := make([]string, len(args))
	for i, arg := range args {
		names[i] = arg.Type.String()
	}
	return names
}

// ParseParameters parses a human readable parameter list such as
// "address to, uint256 amount" or "(uint256 id, address owner)[] items".
func ParseParameters(params string) (abi.Arguments, error) {
	params = strings.TrimSpace(params)
	if params == "" {
		return abi.Arguments{}, nil
	}
	parts, err := splitTopLevel(params)
	if err != nil {
		return nil, err
	}

	args := make(abi.Arguments, 0, len(parts))
	for i, part := range parts {
		m, err := parseParameter(part)
		if err != nil {
			return nil, errors.Wrapf(err, "parameter %d", i)
		}
		typ, err := abi.NewType(m.Type, "", m.Components)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidArgument, "parameter %d: %v", i, err)
		}
		args = append(args, abi.Argument{Name: m.Name, Type: typ})
	}
	return args, nil
}

var parameterModifiers = map[string]bool{
	"indexed":  true,
	"memory":   true,
	"calldata": true,
	"storage":  true,
	"payable":  true,
}

func parseParameter(s string) (abi.ArgumentMarshaling, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return abi.ArgumentMarshaling{}, errors.Wrap(ErrInvalidArgument, "empty parameter")
	}

	var m abi.ArgumentMarshaling
	var rest string
	if strings.HasPrefix(s, "tuple(") {
		s = strings.TrimPrefix(s, "tuple")
	}
	if strings.HasPrefix(s, "(") {
		end := closingParen(s)
		if end < 0 {
			return m, errors.Wrapf(ErrInvalidArgument, "unbalanced parentheses in %q", s)
		}
		components, err := parseComponents(s[1:end])
		if err != nil {
			return m, err
		}
		suffix, remainder := splitArraySuffix(s[end+1:])
		m.Type = "tuple" + suffix
		m.Components = components
		rest = remainder
	} else {
		fields := strings.Fields(s)
		m.Type = normalizeType(fields[0])
		rest = strings.Join(fields[1:], " ")
	}

	var names []string
	for _, f := range strings.Fields(rest) {
		if !parameterModifiers[f] {
			names = append(names, f)
		}
	}
	switch len(names) {
	case 0:
	case 1:
		m.Name = names[0]
	default:
		return m, errors.Wrapf(ErrInvalidArgument, "cannot parse parameter %q", s)
	}
	return m, nil
}

func parseComponents(inner string) ([]abi.ArgumentMarshaling, error) {
	if strings.TrimSpace(inner) == "" {
		return nil, nil
	}
	parts, err := splitTopLevel(inner)
	if err != nil {
		return nil, err
	}
	components := make([]abi.ArgumentMarshaling, len(parts))
	for i, part := range parts {
		c, err := parseParameter(part)
		if err != nil {
			return nil, err
		}
		// tuple fields need names to become struct fields
		if c.Name == "" {
			c.Name = "field" + strconv.Itoa(i)
		}
		components[i] = c
	}
	return components, nil
}

var bareIntType = regexp.MustCompile(`^(u?int)((\[[0-9]*\])*)$`)

// normalizeType expands the uint and int aliases to their 256 bit forms.
func normalizeType(t string) string {
	if bareIntType.MatchString(t) {
		return bareIntType.ReplaceAllString(t, "${1}256${2}")
	}
	if t == "byte" {
		return "bytes1"
	}
	return t
}

func splitTopLevel(s string) ([]string, error) {
	var parts []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(', '[':
			depth++
		case ')', ']':
			depth--
			if depth < 0 {
				return nil, errors.Wrapf(ErrInvalidArgument, "unbalanced brackets in %q", s)
			}
		case ',':
			if depth == 0 {
				parts = append(parts, s[start:i])
				start = i + 1
			}
		}
	}
	if depth != 0 {
		return nil, errors.Wrapf(ErrInvalidArgument, "unbalanced brackets in %q", s)
	}
	return append(parts, s[start:]), nil
}

// closingParen returns the index of the parenthesis closing s[0], or -1.
func closingParen(s string) int {
	depth := 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func splitArraySuffix(s string) (suffix, rest string) {
	i := 0
	for i < len(s) && s[i] == '[' {
		end := strings.IndexByte(s[i:], ']')
		if end < 0 {
			break
		}
		i += end + 1
	}
	return s[:i], s[i:]
}
