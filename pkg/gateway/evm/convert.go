package evm

import (
	"fmt"
	"math"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var bigIntType = reflect.TypeOf(&big.Int{})

// convertArgs converts plan values (strings, numbers, bools and lists) to
// the Go types the ABI encoder expects for inputs.
func convertArgs(inputs abi.Arguments, args []interface{}) ([]interface{}, error) {
	if len(inputs) != len(args) {
		return nil, fmt.Errorf("expected %d arguments, got %d", len(inputs), len(args))
	}

	out := make([]interface{}, len(args))
	for i, in := range inputs {
		v, err := convertArg(in.Type, args[i])
		if err != nil {
			name := in.Name
			if name == "" {
				name = strconv.Itoa(i)
			}
			return nil, fmt.Errorf("argument %s (%s): %w", name, in.Type.String(), err)
		}
		out[i] = v
	}
	return out, nil
}

func convertArg(t abi.Type, v interface{}) (interface{}, error) {
	switch t.T {
	case abi.AddressTy:
		switch a := v.(type) {
		case common.Address:
			return a, nil
		case string:
			if !common.IsHexAddress(a) {
				return nil, fmt.Errorf("invalid address %q", a)
			}
			return common.HexToAddress(a), nil
		}

	case abi.BoolTy:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return strconv.ParseBool(b)
		}

	case abi.StringTy:
		if s, ok := v.(string); ok {
			return s, nil
		}
		return fmt.Sprint(v), nil

	case abi.IntTy, abi.UintTy:
		return convertInt(t, v)

	case abi.BytesTy:
		return toBytes(v)

	case abi.FixedBytesTy:
		b, err := toBytes(v)
		if err != nil {
			return nil, err
		}
		if len(b) > t.Size {
			return nil, fmt.Errorf("%d bytes do not fit in bytes%d", len(b), t.Size)
		}
		arr := reflect.New(t.GetType()).Elem()
		reflect.Copy(arr, reflect.ValueOf(b))
		return arr.Interface(), nil

	case abi.SliceTy, abi.ArrayTy:
		items, ok := v.([]interface{})
		if !ok {
			break
		}
		var out reflect.Value
		if t.T == abi.ArrayTy {
			if len(items) != t.Size {
				return nil, fmt.Errorf("expected %d items, got %d", t.Size, len(items))
			}
			out = reflect.New(t.GetType()).Elem()
		} else {
			out = reflect.MakeSlice(t.GetType(), len(items), len(items))
		}
		for i, item := range items {
			conv, err := convertArg(*t.Elem, item)
			if err != nil {
				return nil, fmt.Errorf("item %d: %w", i, err)
			}
			out.Index(i).Set(reflect.ValueOf(conv))
		}
		return out.Interface(), nil

	default:
		return nil, fmt.Errorf("unsupported parameter type %s", t.String())
	}

	return nil, fmt.Errorf("cannot use %T value %v", v, v)
}

func convertInt(t abi.Type, v interface{}) (interface{}, error) {
	n, err := toBig(v)
	if err != nil {
		return nil, err
	}

	if t.T == abi.UintTy {
		if n.Sign() < 0 {
			return nil, fmt.Errorf("negative value %s for %s", n, t.String())
		}
		if n.BitLen() > t.Size {
			return nil, fmt.Errorf("value %s overflows %s", n, t.String())
		}
	} else {
		limit := new(big.Int).Lsh(big.NewInt(1), uint(t.Size-1))
		if n.Cmp(limit) >= 0 || n.Cmp(new(big.Int).Neg(limit)) < 0 {
			return nil, fmt.Errorf("value %s overflows %s", n, t.String())
		}
	}

	goType := t.GetType()
	if goType == bigIntType {
		return n, nil
	}

	out := reflect.New(goType).Elem()
	if t.T == abi.UintTy {
		out.SetUint(n.Uint64())
	} else {
		out.SetInt(n.Int64())
	}
	return out.Interface(), nil
}

func toBig(v interface{}) (*big.Int, error) {
	switch n := v.(type) {
	case *big.Int:
		return new(big.Int).Set(n), nil
	case int:
		return big.NewInt(int64(n)), nil
	case int32:
		return big.NewInt(int64(n)), nil
	case int64:
		return big.NewInt(n), nil
	case uint:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), nil
	case uint64:
		return new(big.Int).SetUint64(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return nil, fmt.Errorf("%v is not an integer", n)
		}
		if math.Abs(n) > 1<<53 {
			return nil, fmt.Errorf("%v cannot be represented exactly; write it as a string", n)
		}
		b, _ := big.NewFloat(n).Int(nil)
		return b, nil
	case string:
		b, ok := new(big.Int).SetString(strings.ReplaceAll(strings.TrimSpace(n), "_", ""), 0)
		if !ok {
			return nil, fmt.Errorf("invalid integer %q", n)
		}
		return b, nil
	}
	return nil, fmt.Errorf("cannot use %T value %v as an integer", v, v)
}

func toBytes(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		if b == "" || b == "0x" {
			return []byte{}, nil
		}
		return hexutil.Decode(b)
	}
	return nil, fmt.Errorf("cannot use %T value %v as bytes", v, v)
}
