package anchor

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"

	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// ErrorCode is an Anchor framework error number.
type ErrorCode uint32

// Framework error codes emitted by account validation and dispatch.
const (
	ErrInstructionMissing             ErrorCode = 100
	ErrInstructionFallbackNotFound    ErrorCode = 101
	ErrInstructionDidNotDeserialize   ErrorCode = 102
	ErrInstructionDidNotSerialize     ErrorCode = 103
	ErrConstraintMut                  ErrorCode = 2000
	ErrConstraintHasOne               ErrorCode = 2001
	ErrConstraintSigner               ErrorCode = 2002
	ErrConstraintRaw                  ErrorCode = 2003
	ErrConstraintOwner                ErrorCode = 2004
	ErrConstraintSeeds                ErrorCode = 2006
	ErrConstraintZero                 ErrorCode = 2013
	ErrAccountDiscriminatorAlreadySet ErrorCode = 3000
	ErrAccountDiscriminatorNotFound   ErrorCode = 3001
	ErrAccountDiscriminatorMismatch   ErrorCode = 3002
	ErrAccountDidNotDeserialize       ErrorCode = 3003
	ErrAccountDidNotSerialize         ErrorCode = 3004
	ErrAccountNotEnoughKeys           ErrorCode = 3005
	ErrAccountNotMutable              ErrorCode = 3006
	ErrAccountOwnedByWrongProgram     ErrorCode = 3007
	ErrInvalidProgramID               ErrorCode = 3008
	ErrInvalidProgramExecutable       ErrorCode = 3009
	ErrAccountNotSigner               ErrorCode = 3010
	ErrAccountNotInitialized          ErrorCode = 3012
)

var frameworkErrors = map[ErrorCode]IdlErrorCode{
	ErrInstructionMissing:             {Name: "InstructionMissing", Msg: "8 byte instruction identifier not provided"},
	ErrInstructionFallbackNotFound:    {Name: "InstructionFallbackNotFound", Msg: "Fallback functions are not supported"},
	ErrInstructionDidNotDeserialize:   {Name: "InstructionDidNotDeserialize", Msg: "The program could not deserialize the given instruction"},
	ErrInstructionDidNotSerialize:     {Name: "InstructionDidNotSerialize", Msg: "The program could not serialize the given instruction"},
	ErrConstraintMut:                  {Name: "ConstraintMut", Msg: "A mut constraint was violated"},
	ErrConstraintHasOne:               {Name: "ConstraintHasOne", Msg: "A has one constraint was violated"},
	ErrConstraintSigner:               {Name: "ConstraintSigner", Msg: "A signer constraint was violated"},
	ErrConstraintRaw:                  {Name: "ConstraintRaw", Msg: "A raw constraint was violated"},
	ErrConstraintOwner:                {Name: "ConstraintOwner", Msg: "An owner constraint was violated"},
	ErrConstraintSeeds:                {Name: "ConstraintSeeds", Msg: "A seeds constraint was violated"},
	ErrConstraintZero:                 {Name: "ConstraintZero", Msg: "Expected zero account discriminant"},
	ErrAccountDiscriminatorAlreadySet: {Name: "AccountDiscriminatorAlreadySet", Msg: "The account discriminator was already set on this account"},
	ErrAccountDiscriminatorNotFound:   {Name: "AccountDiscriminatorNotFound", Msg: "No 8 byte discriminator was found on the account"},
	ErrAccountDiscriminatorMismatch:   {Name: "AccountDiscriminatorMismatch", Msg: "8 byte discriminator did not match what was expected"},
	ErrAccountDidNotDeserialize:       {Name: "AccountDidNotDeserialize", Msg: "Failed to deserialize the account"},
	ErrAccountDidNotSerialize:         {Name: "AccountDidNotSerialize", Msg: "Failed to serialize the account"},
	ErrAccountNotEnoughKeys:           {Name: "AccountNotEnoughKeys", Msg: "Not enough account keys given to the instruction"},
	ErrAccountNotMutable:              {Name: "AccountNotMutable", Msg: "The given account is not mutable"},
	ErrAccountOwnedByWrongProgram:     {Name: "AccountOwnedByWrongProgram", Msg: "The given account is owned by a different program than expected"},
	ErrInvalidProgramID:               {Name: "InvalidProgramId", Msg: "Program ID was not as expected"},
	ErrInvalidProgramExecutable:       {Name: "InvalidProgramExecutable", Msg: "Program account is not executable"},
	ErrAccountNotSigner:               {Name: "AccountNotSigner", Msg: "The given account did not sign"},
	ErrAccountNotInitialized:          {Name: "AccountNotInitialized", Msg: "The program expected this account to be already initialized"},
}

func (e ErrorCode) Error() string {
	if def, ok := frameworkErrors[e]; ok {
		return def.Msg
	}
	return fmt.Sprintf("anchor error %d", uint32(e))
}

// Name returns the framework name, e.g. ConstraintSeeds.
func (e ErrorCode) Name() string {
	if def, ok := frameworkErrors[e]; ok {
		return def.Name
	}
	return "Unknown"
}

// UserErrorOffset is the first error code available to programs.
const UserErrorOffset = 6000

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrAccountWrongOwner   = errors.New("account is owned by a different program")
	ErrMissingSigner       = errors.New("missing signer")
	ErrUnknownInstruction  = errors.New("unknown instruction")
	ErrUnknownAccountType  = errors.New("unknown account type")
	ErrProgramNotFound     = errors.New("program not found in workspace")
	ErrProgramIDNotDefined = errors.New("program id not defined")
)

// ProgramError is a failed instruction that returned a custom error code.
type ProgramError struct {
	Code             uint32
	Name             string
	Msg              string
	InstructionIndex int
	Logs             []string
	Err              error
}

func (e *ProgramError) Error() string {
	return fmt.Sprintf("Error Code: %s. Error Number: %d. Error Message: %s.", e.Name, e.Code, e.Msg)
}

func (e *ProgramError) Unwrap() error { return e.Err }

var (
	customHexRe  = regexp.MustCompile(`custom program error: 0x([0-9a-fA-F]+)`)
	customDecRe  = regexp.MustCompile(`Custom:(\d+)`)
	instrIndexRe = regexp.MustCompile(`(?:Error processing Instruction |InstructionError:\[)(\d+)`)
)

// TranslateError converts err into a *ProgramError when it carries a custom
// program error code. Other errors are returned unchanged.
func TranslateError(err error, idl *IDL) error {
	if err == nil {
		return nil
	}
	var existing *ProgramError
	if errors.As(err, &existing) {
		if def, ok := lookupError(existing.Code, idl); ok {
			existing.Name, existing.Msg = def.Name, def.Msg
		}
		return err
	}

	var (
		index int
		code  uint32
		logs  []string
		found bool
	)
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		if data, ok := rpcErr.Data.(map[string]interface{}); ok {
			index, code, found = customCode(data["err"])
			logs = stringSlice(data["logs"])
		}
	}
	if !found {
		msg := err.Error()
		if m := customHexRe.FindStringSubmatch(msg); m != nil {
			v, perr := strconv.ParseUint(m[1], 16, 32)
			code, found = uint32(v), perr == nil
		} else if m := customDecRe.FindStringSubmatch(msg); m != nil {
			v, perr := strconv.ParseUint(m[1], 10, 32)
			code, found = uint32(v), perr == nil
		}
		if m := instrIndexRe.FindStringSubmatch(msg); m != nil {
			index, _ = strconv.Atoi(m[1])
		}
	}
	if !found {
		return err
	}

	pe := &ProgramError{Code: code, InstructionIndex: index, Logs: logs, Err: err}
	if def, ok := lookupError(code, idl); ok {
		pe.Name, pe.Msg = def.Name, def.Msg
	} else {
		pe.Name, pe.Msg = "Unknown", fmt.Sprintf("custom program error: 0x%x", code)
	}
	return pe
}

// StatusError converts a transaction status error value, as decoded from
// JSON, into an error.
func StatusError(v interface{}, idl *IDL) error {
	if v == nil {
		return nil
	}
	raw, _ := json.Marshal(v)
	base := fmt.Errorf("transaction failed: %s", raw)
	index, code, ok := customCode(v)
	if !ok {
		return base
	}
	pe := &ProgramError{Code: code, InstructionIndex: index, Err: base}
	if def, ok := lookupError(code, idl); ok {
		pe.Name, pe.Msg = def.Name, def.Msg
	} else {
		pe.Name, pe.Msg = "Unknown", fmt.Sprintf("custom program error: 0x%x", code)
	}
	return pe
}

func lookupError(code uint32, idl *IDL) (IdlErrorCode, bool) {
	if code >= UserErrorOffset && idl != nil {
		for _, e := range idl.Errors {
			if e.Code == code {
				return e, true
			}
		}
	}
	def, ok := frameworkErrors[ErrorCode(code)]
	def.Code = code
	return def, ok
}

// customCode extracts {"InstructionError":[i,{"Custom":n}]}.
func customCode(v interface{}) (int, uint32, bool) {
	m, ok := v.(map[string]interface{})
	if !ok {
		return 0, 0, false
	}
	pair, ok := m["InstructionError"].([]interface{})
	if !ok || len(pair) != 2 {
		return 0, 0, false
	}
	index, _ := toUint(pair[0])
	inner, ok := pair[1].(map[string]interface{})
	if !ok {
		return 0, 0, false
	}
	code, ok := toUint(inner["Custom"])
	if !ok {
		return 0, 0, false
	}
	return int(index), uint32(code), true
}

func toUint(v interface{}) (uint64, bool) {
	switch n := v.(type) {
	case json.Number:
		u, err := strconv.ParseUint(n.String(), 10, 64)
		return u, err == nil
	case float64:
		return uint64(n), n >= 0
	case uint64:
		return n, true
	case int:
		return uint64(n), n >= 0
	}
	return 0, false
}

func stringSlice(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
