package ca

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testReceiver  = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	testConnector = common.HexToAddress("0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC")
	testToken     = common.HexToAddress("0x90F79bf6EB2c4f870365E785982E1f101E93b906")
)

func word(b []byte) []byte {
	return common.LeftPadBytes(b, 32)
}

func wordUint(n uint64) []byte {
	return word(new(big.Int).SetUint64(n).Bytes())
}

func TestFunctionSelector(t *testing.T) {
	sel, err := FunctionSelector("transfer(address,uint256)")
	require.NoError(t, err)
	assert.Equal(t, "0xa9059cbb", hexutil.Encode(sel))

	named, err := FunctionSelector("transfer(address to, uint amount)")
	require.NoError(t, err)
	assert.Equal(t, sel, named)

	canonical, err := CanonicalSignature("function transfer(address to, uint amount)")
	require.NoError(t, err)
	assert.Equal(t, "transfer(address,uint256)", canonical)

	_, err = FunctionSelector("transfer")
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestEncodeFunctionCall(t *testing.T) {
	t.Run("Transfer", func(t *testing.T) {
		data, err := EncodeFunctionCall("transfer(address,uint256)", testReceiver, big.NewInt(1000))
		require.NoError(t, err)

		expected := append(hexutil.MustDecode("0xa9059cbb"), word(testReceiver.Bytes())...)
		expected = append(expected, wordUint(1000)...)
		assert.Equal(t, expected, data)
	})

	t.Run("LooseValues", func(t *testing.T) {
		typed, err := EncodeFunctionCall("transfer(address,uint256)", testReceiver, big.NewInt(1000))
		require.NoError(t, err)

		loose, err := EncodeFunctionCall("transfer(address,uint256)", testReceiver.Hex(), "1000")
		require.NoError(t, err)
		assert.Equal(t, typed, loose)

		hexAmount, err := EncodeFunctionCall("transfer(address,uint256)", testReceiver.Hex(), "0x3e8")
		require.NoError(t, err)
		assert.Equal(t, typed, hexAmount)

		jsonNumber, err := EncodeFunctionCall("transfer(address,uint256)", testReceiver.Hex(), float64(1000))
		require.NoError(t, err)
		assert.Equal(t, typed, jsonNumber)
	})

	t.Run("TruncatedArguments", func(t *testing.T) {
		data, err := EncodeFunctionCall("transfer(address,uint256)", testReceiver)
		require.NoError(t, err)
		require.Len(t, data, 4+32)
		assert.Equal(t, word(testReceiver.Bytes()), data[4:])

		noArgs, err := EncodeFunctionCall("transfer(address,uint256)")
		require.NoError(t, err)
		assert.Equal(t, hexutil.MustDecode("0xa9059cbb"), noArgs)
	})

	t.Run("TooManyArguments", func(t *testing.T) {
		_, err := EncodeFunctionCall("approve(address)", testReceiver, 1)
		require.ErrorIs(t, err, ErrTooManyArguments)
	})

	t.Run("Tuple", func(t *testing.T) {
		data, err := EncodeFunctionCall("submit((uint256,address))", []any{7, testToken})
		require.NoError(t, err)

		sel, err := FunctionSelector("submit((uint256,address))")
		require.NoError(t, err)
		assert.Equal(t, sel, data[:4])
		assert.Equal(t, append(wordUint(7), word(testToken.Bytes())...), data[4:])

		named, err := EncodeFunctionCall("submit((uint256 id, address token))", map[string]any{"id": "7", "token": testToken.Hex()})
		require.NoError(t, err)
		assert.Equal(t, data, named)
	})

	t.Run("DynamicArray", func(t *testing.T) {
		data, err := EncodeFunctionCall("sum(uint8[])", []int{1, 2})
		require.NoError(t, err)

		expected := append(wordUint(32), wordUint(2)...)
		expected = append(expected, wordUint(1)...)
		expected = append(expected, wordUint(2)...)
		assert.Equal(t, expected, data[4:])
	})

	t.Run("InvalidValues", func(t *testing.T) {
		_, err := EncodeFunctionCall("set(uint8)", 256)
		require.ErrorIs(t, err, ErrInvalidArgument)

		_, err = EncodeFunctionCall("set(uint256)", -1)
		require.ErrorIs(t, err, ErrInvalidArgument)

		_, err = EncodeFunctionCall("set(address)", "0x1234")
		require.ErrorIs(t, err, ErrInvalidArgument)

		_, err = EncodeFunctionCall("set(bytes32)", "0x1234")
		require.ErrorIs(t, err, ErrInvalidArgument)

		_, err = EncodeFunctionCall("set(uint256)", 1.5)
		require.ErrorIs(t, err, ErrInvalidArgument)
	})
}

func TestEncodeArgs(t *testing.T) {
	t.Run("CustodyToAddress", func(t *testing.T) {
		data, err := EncodeArgs(CustodyToAddressArgs{Receiver: testReceiver})
		require.NoError(t, err)
		assert.Equal(t, word(testReceiver.Bytes()), data)
	})

	t.Run("CustodyToConnector", func(t *testing.T) {
		data, err := EncodeArgs(CustodyToConnectorArgs{Connector: testConnector, Token: testToken})
		require.NoError(t, err)
		assert.Equal(t, append(word(testConnector.Bytes()), word(testToken.Bytes())...), data)
	})

	t.Run("ChangeCustodyState", func(t *testing.T) {
		data, err := EncodeArgs(ChangeCustodyStateArgs{NewState: 2})
		require.NoError(t, err)
		assert.Equal(t, wordUint(2), data)
	})

	t.Run("CustodyToCustody", func(t *testing.T) {
		id := common.HexToHash("0xabcdef")
		data, err := EncodeArgs(CustodyToCustodyArgs{ReceiverID: id})
		require.NoError(t, err)
		assert.Equal(t, id.Bytes(), data)
	})

	t.Run("CallConnector", func(t *testing.T) {
		connectorType := ConnectorType("aave")
		callData := hexutil.MustDecode("0xdeadbeef")

		data, err := EncodeArgs(CallConnectorArgs{ConnectorType: connectorType, Connector: testConnector, CallData: RawCallData(callData)})
		require.NoError(t, err)

		expected := append(connectorType.Bytes(), word(testConnector.Bytes())...)
		expected = append(expected, wordUint(96)...)
		expected = append(expected, wordUint(4)...)
		expected = append(expected, common.RightPadBytes(callData, 32)...)
		assert.Equal(t, expected, data)
	})

	t.Run("FunctionCallData", func(t *testing.T) {
		inner, err := EncodeFunctionCall("borrow(address,uint256)", testToken, big.NewInt(5))
		require.NoError(t, err)

		raw, err := EncodeArgs(CallConnectorArgs{ConnectorType: ConnectorType("aave"), Connector: testConnector, CallData: RawCallData(inner)})
		require.NoError(t, err)

		structured, err := EncodeArgs(CallConnectorArgs{
			ConnectorType: ConnectorType("aave"),
			Connector:     testConnector,
			CallData:      FunctionCall{Signature: "borrow(address,uint256)", Args: []any{testToken, 5}},
		})
		require.NoError(t, err)
		assert.Equal(t, raw, structured)
	})

	t.Run("NilCallData", func(t *testing.T) {
		data, err := EncodeArgs(DeployConnectorArgs{ConnectorType: ConnectorType("uniswap"), Factory: testConnector})
		require.NoError(t, err)
		// head of three words plus a zero length tail
		require.Len(t, data, 4*32)
		assert.Equal(t, wordUint(0), data[96:])
	})

	t.Run("NoParameters", func(t *testing.T) {
		updateCA, err := EncodeArgs(UpdateCAArgs{})
		require.NoError(t, err)
		updateState, err := EncodeArgs(UpdateCustodyStateArgs{})
		require.NoError(t, err)

		assert.NotNil(t, updateCA)
		assert.Empty(t, updateCA)
		assert.Equal(t, updateCA, updateState)
	})

	t.Run("Deterministic", func(t *testing.T) {
		args := CallConnectorArgs{ConnectorType: ConnectorType("aave"), Connector: testConnector, CallData: RawCallData{1, 2, 3}}
		first, err := EncodeArgs(args)
		require.NoError(t, err)
		second, err := EncodeArgs(args)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("Nil", func(t *testing.T) {
		_, err := EncodeArgs(nil)
		require.Error(t, err)
	})
}

func TestEncodeArgsMap(t *testing.T) {
	t.Run("MatchesTypedPath", func(t *testing.T) {
		typed, err := EncodeArgs(CustodyToConnectorArgs{Connector: testConnector, Token: testToken})
		require.NoError(t, err)

		named, err := EncodeArgsMap(CustodyToConnector, map[string]any{
			"connector": testConnector.Hex(),
			"token":     testToken.Hex(),
		})
		require.NoError(t, err)
		assert.Equal(t, typed, named)
	})

	t.Run("JSONNumbers", func(t *testing.T) {
		typed, err := EncodeArgs(ChangeCustodyStateArgs{NewState: 2})
		require.NoError(t, err)

		named, err := EncodeArgsMap(ChangeCustodyState, map[string]any{"newState": float64(2)})
		require.NoError(t, err)
		assert.Equal(t, typed, named)
	})

	t.Run("MissingArgument", func(t *testing.T) {
		_, err := EncodeArgsMap(CustodyToConnector, map[string]any{"connector": testConnector})
		require.ErrorIs(t, err, ErrMissingArgument)

		_, err = EncodeArgsMap(CustodyToAddress, map[string]any{"recipient": testReceiver})
		require.ErrorIs(t, err, ErrMissingArgument)
	})

	t.Run("ExtraneousKeys", func(t *testing.T) {
		typed, err := EncodeArgs(CustodyToAddressArgs{Receiver: testReceiver})
		require.NoError(t, err)

		named, err := EncodeArgsMap(CustodyToAddress, map[string]any{"receiver": testReceiver, "memo": "ignored"})
		require.NoError(t, err)
		assert.Equal(t, typed, named)
	})

	t.Run("NoParameters", func(t *testing.T) {
		empty, err := EncodeArgsMap(UpdateCA, map[string]any{})
		require.NoError(t, err)
		extra, err := EncodeArgsMap(UpdateCustodyState, map[string]any{"anything": 1})
		require.NoError(t, err)
		nilMap, err := EncodeArgsMap(UpdateCA, nil)
		require.NoError(t, err)

		assert.Equal(t, []byte{}, empty)
		assert.Equal(t, empty, extra)
		assert.Equal(t, empty, nilMap)
	})

	t.Run("StructuredCallData", func(t *testing.T) {
		raw, err := EncodeArgs(CallConnectorArgs{
			ConnectorType: ConnectorType("aave"),
			Connector:     testConnector,
			CallData:      FunctionCall{Signature: "borrow(address,uint256)", Args: []any{testToken, 5}},
		})
		require.NoError(t, err)

		named, err := EncodeArgsMap(CallConnector, map[string]any{
			"connectorType": ConnectorType("aave").Hex(),
			"connector":     testConnector.Hex(),
			"callData": map[string]any{
				"type": "borrow(address,uint256)",
				"args": []any{testToken.Hex(), "5"},
			},
		})
		require.NoError(t, err)
		assert.Equal(t, raw, named)
	})

	t.Run("HexCallData", func(t *testing.T) {
		typed, err := EncodeArgs(CallConnectorArgs{ConnectorType: ConnectorType("aave"), Connector: testConnector, CallData: RawCallData{0xde, 0xad}})
		require.NoError(t, err)

		named, err := EncodeArgsMap(CallConnector, map[string]any{
			"connectorType": ConnectorType("aave"),
			"connector":     testConnector,
			"callData":      "0xdead",
		})
		require.NoError(t, err)
		assert.Equal(t, typed, named)
	})

	t.Run("BadStructuredCallData", func(t *testing.T) {
		_, err := EncodeArgsMap(CallConnector, map[string]any{
			"connectorType": ConnectorType("aave"),
			"connector":     testConnector,
			"callData":      map[string]any{"args": []any{}},
		})
		require.ErrorIs(t, err, ErrInvalidArgument)
	})

	t.Run("UnknownType", func(t *testing.T) {
		_, err := EncodeArgsMap(ActionType(42), map[string]any{})
		require.ErrorIs(t, err, ErrUnknownActionType)
	})
}

func TestDecodeArgs(t *testing.T) {
	data, err := EncodeArgs(CallConnectorArgs{ConnectorType: ConnectorType("aave"), Connector: testConnector, CallData: RawCallData{1, 2, 3}})
	require.NoError(t, err)

	decoded, err := DecodeArgs(CallConnector, data)
	require.NoError(t, err)
	assert.Equal(t, testConnector, decoded["connector"])
	assert.Equal(t, []byte{1, 2, 3}, decoded["callData"])
	assert.Equal(t, [32]byte(ConnectorType("aave")), decoded["connectorType"])

	empty, err := DecodeArgs(UpdateCA, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = DecodeArgs(UpdateCA, []byte{1})
	require.ErrorIs(t, err, ErrInvalidArgument)
}
