package ca

import (
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
)

// packValues converts loosely typed values (JSON numbers, hex and decimal
// strings, named byte types) into the Go types the ABI packer requires.
func packValues(args abi.Arguments, values []any) ([]byte, error) {
	converted, err := coerceAll(args, values)
	if err != nil {
		return nil, err
	}
	packed, err := args.Pack(converted...)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidArgument, err.Error())
	}
	if packed == nil {
		packed = []byte{}
	}
	return packed, nil
}

func coerceAll(args abi.Arguments, values []any) ([]any, error) {
	if len(values) != len(args) {
		return nil, errors.Wrapf(ErrInvalidArgument, "expected %d values, got %d", len(args), len(values))
	}
	out := make([]any, len(values))
	for i, arg := range args {
		v, err := coerce(arg.Type, values[i])
		if err != nil {
			name := arg.Name
			if name == "" {
				name = "#" + strconv.Itoa(i)
			}
			return nil, errors.Wrapf(err, "argument %s (%s)", name, arg.Type.String())
		}
		out[i] = v.Interface()
	}
	return out, nil
}

func coerce(t abi.Type, v any) (reflect.Value, error) {
	if v == nil {
		return reflect.Value{}, errors.Wrap(ErrInvalidArgument, "nil value")
	}
	rv := reflect.ValueOf(v)

	switch t.T {
	case abi.UintTy, abi.IntTy:
		n, err := toBigInt(v)
		if err != nil {
			return reflect.Value{}, err
		}
		return intValue(t, n)
	case abi.BoolTy:
		switch b := v.(type) {
		case bool:
			return reflect.ValueOf(b), nil
		case string:
			parsed, err := strconv.ParseBool(b)
			if err != nil {
				return reflect.Value{}, errors.Wrapf(ErrInvalidArgument, "bool %q", b)
			}
			return reflect.ValueOf(parsed), nil
		}
	case abi.StringTy:
		if rv.Kind() == reflect.String {
			return reflect.ValueOf(rv.String()), nil
		}
	case abi.AddressTy:
		addr, err := toAddress(v)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(addr), nil
	case abi.BytesTy:
		b, err := toBytes(v)
		if err != nil {
			return reflect.Value{}, err
		}
		return reflect.ValueOf(b), nil
	case abi.FixedBytesTy:
		b, err := toBytes(v)
		if err != nil {
			return reflect.Value{}, err
		}
		if len(b) != t.Size {
			return reflect.Value{}, errors.Wrapf(ErrInvalidArgument, "bytes%d needs %d bytes, got %d", t.Size, t.Size, len(b))
		}
		arr := reflect.New(t.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr, nil
	case abi.SliceTy, abi.ArrayTy:
		return coerceList(t, rv)
	case abi.TupleTy:
		return coerceTuple(t, v)
	default:
		return reflect.Value{}, errors.Wrapf(ErrInvalidArgument, "unsupported type %s", t.String())
	}
	return reflect.Value{}, errors.Wrapf(ErrInvalidArgument, "cannot use %T as %s", v, t.String())
}

func coerceList(t abi.Type, rv reflect.Value) (reflect.Value, error) {
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return reflect.Value{}, errors.Wrapf(ErrInvalidArgument, "cannot use %s as %s", rv.Type(), t.String())
	}
	n := rv.Len()
	var out reflect.Value
	if t.T == abi.ArrayTy {
		if n != t.Size {
			return reflect.Value{}, errors.Wrapf(ErrInvalidArgument, "%s needs %d elements, got %d", t.String(), t.Size, n)
		}
		out = reflect.New(t.GetType()).Elem()
	} else {
		out = reflect.MakeSlice(t.GetType(), n, n)
	}
	for i := 0; i < n; i++ {
		ev, err := coerce(*t.Elem, rv.Index(i).Interface())
		if err != nil {
			return reflect.Value{}, errors.Wrapf(err, "element %d", i)
		}
		out.Index(i).Set(ev)
	}
	return out, nil
}

func coerceTuple(t abi.Type, v any) (reflect.Value, error) {
	fields := make([]any, len(t.TupleElems))
	switch x := v.(type) {
	case map[string]any:
		for i, name := range t.TupleRawNames {
			fv, ok := x[name]
			if !ok {
				return reflect.Value{}, errors.Wrapf(ErrMissingArgument, "tuple field %q", name)
			}
			fields[i] = fv
		}
	case []any:
		if len(x) != len(fields) {
			return reflect.Value{}, errors.Wrapf(ErrInvalidArgument, "tuple needs %d fields, got %d", len(fields), len(x))
		}
		copy(fields, x)
	default:
		rv := reflect.Indirect(reflect.ValueOf(v))
		if rv.Kind() != reflect.Struct || rv.NumField() != len(fields) {
			return reflect.Value{}, errors.Wrapf(ErrInvalidArgument, "cannot use %T as %s", v, t.String())
		}
		for i := range fields {
			fields[i] = rv.Field(i).Interface()
		}
	}

	out := reflect.New(t.TupleType).Elem()
	for i, elem := range t.TupleElems {
		fv, err := coerce(*elem, fields[i])
		if err != nil {
			return reflect.Value{}, errors.Wrapf(err, "tuple field %q", t.TupleRawNames[i])
		}
		out.Field(i).Set(fv)
	}
	return out, nil
}

func intValue(t abi.Type, n *big.Int) (reflect.Value, error) {
	if t.T == abi.UintTy {
		if n.Sign() < 0 || n.BitLen() > t.Size {
			return reflect.Value{}, errors.Wrapf(ErrInvalidArgument, "%s overflows uint%d", n, t.Size)
		}
	} else {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
		if n.Cmp(limit) >= 0 || n.Cmp(new(big.Int).Neg(limit)) < 0 {
			return reflect.Value{}, errors.Wrapf(ErrInvalidArgument, "%s overflows int%d", n, t.Size)
		}
	}

	typ := t.GetType()
	if typ.Kind() == reflect.Ptr {
		return reflect.ValueOf(n), nil
	}
	out := reflect.New(typ).Elem()
	if t.T == abi.UintTy {
		out.SetUint(n.Uint64())
	} else {
		out.SetInt(n.Int64())
	}
	return out, nil
}

func toBigInt(v any) (*big.Int, error) {
	switch x := v.(type) {
	case *big.Int:
		if x == nil {
			return nil, errors.Wrap(ErrInvalidArgument, "nil integer")
		}
		return new(big.Int).Set(x), nil
	case big.Int:
		return new(big.Int).Set(&x), nil
	case *hexutil.Big:
		if x == nil {
			return nil, errors.Wrap(ErrInvalidArgument, "nil integer")
		}
		return new(big.Int).Set(x.ToInt()), nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) || x != math.Trunc(x) {
			return nil, errors.Wrapf(ErrInvalidArgument, "%v is not an integer", x)
		}
		n, _ := new(big.Float).SetFloat64(x).Int(nil)
		return n, nil
	case json.Number:
		return parseInteger(x.String())
	case string:
		return parseInteger(x)
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return big.NewInt(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return new(big.Int).SetUint64(rv.Uint()), nil
	}
	return nil, errors.Wrapf(ErrInvalidArgument, "cannot use %T as integer", v)
}

func parseInteger(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	neg := strings.HasPrefix(s, "-")
	digits := strings.TrimPrefix(s, "-")

	base := 10
	if strings.HasPrefix(digits, "0x") || strings.HasPrefix(digits, "0X") {
		base = 16
		digits = digits[2:]
	}
	n, ok := new(big.Int).SetString(digits, base)
	if !ok || digits == "" {
		return nil, errors.Wrapf(ErrInvalidArgument, "invalid integer %q", s)
	}
	if neg {
		n.Neg(n)
	}
	return n, nil
}

func toAddress(v any) (common.Address, error) {
	switch x := v.(type) {
	case common.Address:
		return x, nil
	case *common.Address:
		if x != nil {
			return *x, nil
		}
	case string:
		if !common.IsHexAddress(x) {
			return common.Address{}, errors.Wrapf(ErrInvalidArgument, "invalid address %q", x)
		}
		return common.HexToAddress(x), nil
	default:
		b, err := toBytes(v)
		if err == nil && len(b) == common.AddressLength {
			return common.BytesToAddress(b), nil
		}
	}
	return common.Address{}, errors.Wrapf(ErrInvalidArgument, "cannot use %T as address", v)
}

func toBytes(v any) ([]byte, error) {
	switch x := v.(type) {
	case []byte:
		return x, nil
	case string:
		if x == "" || x == "0x" {
			return []byte{}, nil
		}
		b, err := hexutil.Decode(x)
		if err != nil {
			return nil, errors.Wrapf(ErrInvalidArgument, "hex %q: %v", x, err)
		}
		return b, nil
	case CallData:
		return x.Bytes()
	}

	rv := reflect.ValueOf(v)
	if (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Type().Elem().Kind() == reflect.Uint8 {
		out := make([]byte, rv.Len())
		reflect.Copy(reflect.ValueOf(out), rv)
		return out, nil
	}
	return nil, errors.Wrapf(ErrInvalidArgument, "cannot use %T as bytes", v)
}

// formatValue renders a coerced ABI value in the JSON shape of tree dumps.
func formatValue(t abi.Type, v any) any {
	rv := reflect.ValueOf(v)
	switch t.T {
	case abi.UintTy, abi.IntTy:
		return fmt.Sprint(v)
	case abi.AddressTy:
		return v.(common.Address).Hex()
	case abi.BytesTy, abi.FixedBytesTy:
		b, _ := toBytes(v)
		return hexutil.Encode(b)
	case abi.SliceTy, abi.ArrayTy:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = formatValue(*t.Elem, rv.Index(i).Interface())
		}
		return out
	case abi.TupleTy:
		out := make([]any, len(t.TupleElems))
		for i, elem := range t.TupleElems {
			out[i] = formatValue(*elem, rv.Field(i).Interface())
		}
		return out
	}
	return v
}
