package localnet

import (
	"encoding/json"
	"errors"
	"fmt"
)

// InstructionErrorKind is a builtin runtime failure of a single instruction.
type InstructionErrorKind string

func (k InstructionErrorKind) Error() string { return string(k) }

const (
	ErrInvalidArgument             InstructionErrorKind = "InvalidArgument"
	ErrInvalidInstructionData      InstructionErrorKind = "InvalidInstructionData"
	ErrInvalidAccountData          InstructionErrorKind = "InvalidAccountData"
	ErrMissingRequiredSignature    InstructionErrorKind = "MissingRequiredSignature"
	ErrNotEnoughAccountKeys        InstructionErrorKind = "NotEnoughAccountKeys"
	ErrReadonlyDataModified        InstructionErrorKind = "ReadonlyDataModified"
	ErrReadonlyLamportChange       InstructionErrorKind = "ReadonlyLamportChange"
	ErrExternalAccountDataModified InstructionErrorKind = "ExternalAccountDataModified"
	ErrExternalLamportSpend        InstructionErrorKind = "ExternalAccountLamportSpend"
	ErrModifiedProgramID           InstructionErrorKind = "ModifiedProgramId"
	ErrUnbalancedInstruction       InstructionErrorKind = "UnbalancedInstruction"
	ErrUnsupportedProgramID        InstructionErrorKind = "UnsupportedProgramId"
	ErrPrivilegeEscalation         InstructionErrorKind = "PrivilegeEscalation"
	ErrCallDepth                   InstructionErrorKind = "CallDepth"
	ErrMissingAccount              InstructionErrorKind = "MissingAccount"
)

// CustomError is a program specific error code.
type CustomError uint32

func (c CustomError) Error() string {
	return fmt.Sprintf("custom program error: 0x%x", uint32(c))
}

// Transaction-level failure kinds.
const (
	TxBlockhashNotFound       = "BlockhashNotFound"
	TxSignatureFailure        = "SignatureFailure"
	TxAlreadyProcessed        = "AlreadyProcessed"
	TxAccountNotFound         = "AccountNotFound"
	TxInsufficientFundsForFee = "InsufficientFundsForFee"
	TxInstructionError        = "InstructionError"
	TxSanitizeFailure         = "SanitizeFailure"
)

var txMessages = map[string]string{
	TxBlockhashNotFound:       "Blockhash not found",
	TxSignatureFailure:        "Transaction did not pass signature verification",
	TxAlreadyProcessed:        "This transaction has already been processed",
	TxAccountNotFound:         "Attempt to debit an account but found no record of a prior credit.",
	TxInsufficientFundsForFee: "Insufficient funds for fee",
	TxSanitizeFailure:         "Transaction failed to sanitize accounts offsets correctly",
}

// TransactionError describes why a transaction was rejected or failed.
type TransactionError struct {
	Kind  string
	Index int   // instruction index, for InstructionError
	Err   error // instruction failure, for InstructionError
}

func txError(kind string) *TransactionError {
	return &TransactionError{Kind: kind}
}

func instructionError(index int, err error) *TransactionError {
	return &TransactionError{Kind: TxInstructionError, Index: index, Err: err}
}

func (e *TransactionError) Error() string {
	if e.Kind == TxInstructionError {
		return fmt.Sprintf("Error processing Instruction %d: %s", e.Index, instructionMessage(e.Err))
	}
	if msg, ok := txMessages[e.Kind]; ok {
		return msg
	}
	return e.Kind
}

func (e *TransactionError) Unwrap() error { return e.Err }

// JSON renders the error the way the RPC API reports it in statuses.
func (e *TransactionError) JSON() interface{} {
	if e.Kind != TxInstructionError {
		return e.Kind
	}
	var custom CustomError
	if errors.As(e.Err, &custom) {
		return map[string]interface{}{
			TxInstructionError: []interface{}{e.Index, map[string]uint32{"Custom": uint32(custom)}},
		}
	}
	var kind InstructionErrorKind
	if errors.As(e.Err, &kind) {
		return map[string]interface{}{TxInstructionError: []interface{}{e.Index, string(kind)}}
	}
	return map[string]interface{}{
		TxInstructionError: []interface{}{e.Index, map[string]string{"BorshIoError": e.Err.Error()}},
	}
}

// MarshalJSONValue returns the JSON encoding of e.JSON().
func (e *TransactionError) MarshalJSONValue() json.RawMessage {
	b, _ := json.Marshal(e.JSON())
	return b
}

func instructionMessage(err error) string {
	var custom CustomError
	if errors.As(err, &custom) {
		return custom.Error()
	}
	var kind InstructionErrorKind
	if errors.As(err, &kind) {
		switch kind {
		case ErrMissingRequiredSignature:
			return "missing required signature for instruction"
		case ErrInvalidArgument:
			return "invalid program argument"
		case ErrInvalidInstructionData:
			return "invalid instruction data"
		case ErrPrivilegeEscalation:
			return "Cross-program invocation with unauthorized signer or writable account"
		}
		return string(kind)
	}
	return err.Error()
}
