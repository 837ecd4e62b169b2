package localnet

import (
	"bytes"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

// MaxInvokeDepth bounds nested cross-program invocations, top level included.
const MaxInvokeDepth = 4

// Account is the ledger state of one address.
type Account struct {
	Lamports   uint64
	Owner      solana.PublicKey
	Data       []byte
	Executable bool
}

func (a *Account) clone() *Account {
	c := *a
	c.Data = append([]byte(nil), a.Data...)
	return &c
}

// AccountInfo is an account as seen by an executing program. Writes through
// the embedded Account are visible to every frame sharing the key.
type AccountInfo struct {
	Key        solana.PublicKey
	IsSigner   bool
	IsWritable bool
	*Account
}

// Program is a native program executed by the local cluster.
type Program interface {
	Process(ctx *InvokeContext, accounts []*AccountInfo, data []byte) error
}

// ProgramFunc adapts a function to the Program interface.
type ProgramFunc func(ctx *InvokeContext, accounts []*AccountInfo, data []byte) error

func (f ProgramFunc) Process(ctx *InvokeContext, accounts []*AccountInfo, data []byte) error {
	return f(ctx, accounts, data)
}

type snapshot struct {
	lamports uint64
	owner    solana.PublicKey
	data     []byte
	writable bool
}

// runtime executes the instructions of one transaction against a working
// copy of the accounts it references.
type runtime struct {
	programs map[solana.PublicKey]Program
	accounts map[solana.PublicKey]*Account
	rent     func(size uint64) uint64
	logs     []string
}

func (rt *runtime) log(format string, args ...interface{}) {
	rt.logs = append(rt.logs, fmt.Sprintf(format, args...))
}

func (rt *runtime) account(key solana.PublicKey) *Account {
	acc, ok := rt.accounts[key]
	if !ok {
		acc = &Account{Owner: solana.SystemProgramID}
		rt.accounts[key] = acc
	}
	return acc
}

// InvokeContext is handed to a program for the duration of one invocation.
type InvokeContext struct {
	ProgramID solana.PublicKey

	rt    *runtime
	depth int
	pre   map[solana.PublicKey]*snapshot
	// privileges granted to this frame by its caller
	signers  map[solana.PublicKey]bool
	writable map[solana.PublicKey]bool
}

// Log appends a "Program log:" line to the transaction logs.
func (c *InvokeContext) Log(format string, args ...interface{}) {
	c.rt.log("Program log: "+format, args...)
}

// MinimumBalance returns the rent-exempt minimum for an account of size bytes.
func (c *InvokeContext) MinimumBalance(size uint64) uint64 {
	return c.rt.rent(size)
}

// Invoke calls another program with the privileges of the current frame.
func (c *InvokeContext) Invoke(ix solana.Instruction) error {
	return c.InvokeSigned(ix)
}

// InvokeSigned calls another program. Each seed set derives an address of
// the current program that is granted signer privilege for the call.
func (c *InvokeContext) InvokeSigned(ix solana.Instruction, signerSeeds ...[][]byte) error {
	pdas := make(map[solana.PublicKey]bool, len(signerSeeds))
	for _, seeds := range signerSeeds {
		addr, err := solana.CreateProgramAddress(seeds, c.ProgramID)
		if err != nil {
			return ErrInvalidArgument
		}
		pdas[addr] = true
	}

	data, err := ix.Data()
	if err != nil {
		return ErrInvalidInstructionData
	}
	metas := ix.Accounts()
	for _, m := range metas {
		if _, ok := c.pre[m.PublicKey]; !ok {
			return ErrMissingAccount
		}
		if m.IsSigner && !c.signers[m.PublicKey] && !pdas[m.PublicKey] {
			return ErrPrivilegeEscalation
		}
		if m.IsWritable && !c.writable[m.PublicKey] {
			return ErrPrivilegeEscalation
		}
	}

	if err := c.rt.execute(ix.ProgramID(), metas, data, c.depth+1); err != nil {
		return err
	}

	// the callee already validated its own changes
	for _, m := range metas {
		c.pre[m.PublicKey] = takeSnapshot(c.rt.accounts[m.PublicKey], c.pre[m.PublicKey].writable)
	}
	return nil
}

func takeSnapshot(acc *Account, writable bool) *snapshot {
	return &snapshot{
		lamports: acc.Lamports,
		owner:    acc.Owner,
		data:     append([]byte(nil), acc.Data...),
		writable: writable,
	}
}

func (rt *runtime) execute(programID solana.PublicKey, metas []*solana.AccountMeta, data []byte, depth int) error {
	if depth > MaxInvokeDepth {
		return ErrCallDepth
	}
	prog, ok := rt.programs[programID]
	if !ok {
		return ErrUnsupportedProgramID
	}

	ctx := &InvokeContext{
		ProgramID: programID,
		rt:        rt,
		depth:     depth,
		pre:       make(map[solana.PublicKey]*snapshot, len(metas)),
		signers:   make(map[solana.PublicKey]bool, len(metas)),
		writable:  make(map[solana.PublicKey]bool, len(metas)),
	}
	infos := make([]*AccountInfo, len(metas))
	for i, m := range metas {
		acc := rt.account(m.PublicKey)
		infos[i] = &AccountInfo{Key: m.PublicKey, IsSigner: m.IsSigner, IsWritable: m.IsWritable, Account: acc}
		if m.IsSigner {
			ctx.signers[m.PublicKey] = true
		}
		if m.IsWritable {
			ctx.writable[m.PublicKey] = true
		}
	}
	for key := range rt.uniqueKeys(metas) {
		ctx.pre[key] = takeSnapshot(rt.accounts[key], ctx.writable[key])
	}

	rt.log("Program %s invoke [%d]", programID, depth)
	err := prog.Process(ctx, infos, data)
	if err == nil {
		err = rt.verify(programID, ctx.pre)
	}
	if err != nil {
		rt.log("Program %s failed: %s", programID, instructionMessage(err))
		return err
	}
	rt.log("Program %s success", programID)
	return nil
}

func (rt *runtime) uniqueKeys(metas []*solana.AccountMeta) map[solana.PublicKey]struct{} {
	keys := make(map[solana.PublicKey]struct{}, len(metas))
	for _, m := range metas {
		keys[m.PublicKey] = struct{}{}
	}
	return keys
}

// verify enforces the account modification rules for one invocation.
func (rt *runtime) verify(programID solana.PublicKey, pre map[solana.PublicKey]*snapshot) error {
	var before, after uint64
	for key, snap := range pre {
		acc := rt.accounts[key]
		before += snap.lamports
		after += acc.Lamports

		dataChanged := !bytes.Equal(acc.Data, snap.data)
		if !snap.writable {
			switch {
			case acc.Lamports != snap.lamports:
				return ErrReadonlyLamportChange
			case dataChanged:
				return ErrReadonlyDataModified
			case acc.Owner != snap.owner:
				return ErrModifiedProgramID
			}
			continue
		}
		if acc.Owner != snap.owner && (snap.owner != programID || !isZeroed(acc.Data)) {
			return ErrModifiedProgramID
		}
		if dataChanged && snap.owner != programID {
			return ErrExternalAccountDataModified
		}
		if acc.Lamports < snap.lamports && snap.owner != programID {
			return ErrExternalLamportSpend
		}
	}
	if before != after {
		return ErrUnbalancedInstruction
	}
	return nil
}

func isZeroed(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}
