package anchor

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIDL(t *testing.T) *IDL {
	t.Helper()
	idl, err := ParseIDL([]byte(toyIDL))
	require.NoError(t, err)
	return idl
}

func TestTranslateErrorRPCData(t *testing.T) {
	rpcErr := &jsonrpc.RPCError{
		Code:    -32002,
		Message: "Transaction simulation failed: Error processing Instruction 1: custom program error: 0x1770",
		Data: map[string]interface{}{
			"err": map[string]interface{}{
				"InstructionError": []interface{}{json.Number("1"), map[string]interface{}{"Custom": json.Number("6000")}},
			},
			"logs": []interface{}{"Program x invoke [1]", "Program x failed: custom program error: 0x1770"},
		},
	}
	err := TranslateError(fmt.Errorf("send: %w", rpcErr), testIDL(t))

	var pe *ProgramError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, uint32(6000), pe.Code)
	assert.Equal(t, "Boom", pe.Name)
	assert.Equal(t, 1, pe.InstructionIndex)
	assert.Len(t, pe.Logs, 2)

	var unwrapped *jsonrpc.RPCError
	assert.True(t, errors.As(err, &unwrapped))
}

func TestTranslateErrorMessages(t *testing.T) {
	tests := []struct {
		name      string
		msg       string
		wantCode  uint32
		wantName  string
		wantIndex int
	}{
		{
			name:     "websocket confirmation",
			msg:      "confirmed transaction with execution error: map[InstructionError:[0 map[Custom:6000]]]",
			wantCode: 6000,
			wantName: "Boom",
		},
		{
			name:      "hex code",
			msg:       "Error processing Instruction 2: custom program error: 0x7d6",
			wantCode:  2006,
			wantName:  "ConstraintSeeds",
			wantIndex: 2,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := TranslateError(errors.New(tt.msg), testIDL(t))
			var pe *ProgramError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.wantCode, pe.Code)
			assert.Equal(t, tt.wantName, pe.Name)
			assert.Equal(t, tt.wantIndex, pe.InstructionIndex)
		})
	}
}

func TestTranslateErrorPassthrough(t *testing.T) {
	assert.NoError(t, TranslateError(nil, nil))

	plain := errors.New("connection refused")
	assert.Same(t, plain, TranslateError(plain, nil))

	rpcErr := &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: Blockhash not found", Data: map[string]interface{}{"err": "BlockhashNotFound"}}
	assert.Equal(t, error(rpcErr), TranslateError(rpcErr, nil))
}

func TestStatusError(t *testing.T) {
	assert.NoError(t, StatusError(nil, nil))

	err := StatusError(map[string]interface{}{
		"InstructionError": []interface{}{float64(0), map[string]interface{}{"Custom": float64(3012)}},
	}, nil)
	var pe *ProgramError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, uint32(3012), pe.Code)
	assert.Equal(t, "AccountNotInitialized", pe.Name)

	err = StatusError(map[string]interface{}{
		"InstructionError": []interface{}{float64(0), "MissingRequiredSignature"},
	}, nil)
	assert.False(t, errors.As(err, &pe))
	assert.ErrorContains(t, err, "MissingRequiredSignature")
}

func TestErrorCodeNames(t *testing.T) {
	assert.Equal(t, "ConstraintHasOne", ErrConstraintHasOne.Name())
	assert.Equal(t, "A has one constraint was violated", ErrConstraintHasOne.Error())
	assert.Equal(t, "Unknown", ErrorCode(1).Name())
}
