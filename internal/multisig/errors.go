package multisig

import (
	"errors"
	"fmt"
)

// ErrorCode is a multisig program error, numbered from the Anchor user offset.
type ErrorCode uint32

const (
	ErrInvalidOwner ErrorCode = 6000 + iota
	ErrInvalidOwnersLen
	ErrNotEnoughSigners
	ErrTransactionAlreadySigned
	ErrOverflow
	ErrUnableToDelete
	ErrAlreadyExecuted
	ErrInvalidThreshold
	ErrUniqueOwners
)

var errorText = map[ErrorCode][2]string{
	ErrInvalidOwner:             {"InvalidOwner", "The given owner is not part of this multisig."},
	ErrInvalidOwnersLen:         {"InvalidOwnersLen", "Owners length must be non zero and at most the maximum owner count."},
	ErrNotEnoughSigners:         {"NotEnoughSigners", "Not enough owners signed this transaction."},
	ErrTransactionAlreadySigned: {"TransactionAlreadySigned", "Cannot delete a transaction that has been signed by an owner."},
	ErrOverflow:                 {"Overflow", "Overflow when adding."},
	ErrUnableToDelete:           {"UnableToDelete", "Cannot delete a transaction the owner did not create."},
	ErrAlreadyExecuted:          {"AlreadyExecuted", "The given transaction has already been executed."},
	ErrInvalidThreshold:         {"InvalidThreshold", "Threshold must be non zero and at most the number of owners."},
	ErrUniqueOwners:             {"UniqueOwners", "Owners must be unique."},
}

// Name returns the IDL name of the error.
func (e ErrorCode) Name() string {
	if t, ok := errorText[e]; ok {
		return t[0]
	}
	return fmt.Sprintf("Unknown(%d)", uint32(e))
}

func (e ErrorCode) Error() string {
	if t, ok := errorText[e]; ok {
		return t[1]
	}
	return fmt.Sprintf("unknown multisig error %d", uint32(e))
}

var (
	ErrDiscriminatorNotFound = errors.New("account discriminator not found")
	ErrDiscriminatorMismatch = errors.New("account discriminator did not match")
)
