package localnet

import (
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
)

// System program error codes.
const (
	SystemErrAccountAlreadyInUse        CustomError = 0
	SystemErrResultWithNegativeLamports CustomError = 1
	SystemErrInvalidAccountDataLength   CustomError = 3
)

// MaxAccountDataSize caps the space an account can be created with.
const MaxAccountDataSize = 10 * 1024 * 1024

// SystemProgram implements CreateAccount, Assign and Transfer.
var SystemProgram = ProgramFunc(processSystem)

func processSystem(ctx *InvokeContext, accounts []*AccountInfo, data []byte) error {
	metas := make([]*solana.AccountMeta, len(accounts))
	for i, a := range accounts {
		metas[i] = &solana.AccountMeta{PublicKey: a.Key, IsSigner: a.IsSigner, IsWritable: a.IsWritable}
	}
	inst, err := system.DecodeInstruction(metas, data)
	if err != nil {
		return ErrInvalidInstructionData
	}

	switch ix := inst.Impl.(type) {
	case *system.CreateAccount:
		if len(accounts) < 2 || ix.Lamports == nil || ix.Space == nil || ix.Owner == nil {
			return ErrNotEnoughAccountKeys
		}
		return createAccount(accounts[0], accounts[1], *ix.Lamports, *ix.Space, *ix.Owner)
	case *system.Assign:
		if len(accounts) < 1 || ix.Owner == nil {
			return ErrNotEnoughAccountKeys
		}
		return assign(accounts[0], *ix.Owner)
	case *system.Transfer:
		if len(accounts) < 2 || ix.Lamports == nil {
			return ErrNotEnoughAccountKeys
		}
		return transfer(accounts[0], accounts[1], *ix.Lamports)
	default:
		return ErrInvalidInstructionData
	}
}

func createAccount(from, to *AccountInfo, lamports, space uint64, owner solana.PublicKey) error {
	if !to.IsSigner {
		return ErrMissingRequiredSignature
	}
	if to.Lamports > 0 || len(to.Data) > 0 || to.Owner != solana.SystemProgramID {
		return SystemErrAccountAlreadyInUse
	}
	if space > MaxAccountDataSize {
		return SystemErrInvalidAccountDataLength
	}
	to.Data = make([]byte, space)
	to.Owner = owner
	return transfer(from, to, lamports)
}

func assign(acc *AccountInfo, owner solana.PublicKey) error {
	if acc.Owner == owner {
		return nil
	}
	if !acc.IsSigner {
		return ErrMissingRequiredSignature
	}
	acc.Owner = owner
	return nil
}

func transfer(from, to *AccountInfo, lamports uint64) error {
	if !from.IsSigner {
		return ErrMissingRequiredSignature
	}
	if len(from.Data) > 0 || from.Owner != solana.SystemProgramID {
		return ErrInvalidArgument
	}
	if from.Lamports < lamports {
		return SystemErrResultWithNegativeLamports
	}
	from.Lamports -= lamports
	to.Lamports += lamports
	return nil
}
