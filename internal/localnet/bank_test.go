package localnet

import (
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/programs/system"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBank(t *testing.T) *Bank {
	t.Helper()
	journal, err := NewJournal(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })
	bank, err := NewBank(journal, 1_000*solana.LAMPORTS_PER_SOL, nil)
	require.NoError(t, err)
	return bank
}

func fundedKey(t *testing.T, bank *Bank, lamports uint64) solana.PrivateKey {
	t.Helper()
	key := solana.NewWallet().PrivateKey
	_, err := bank.Airdrop(key.PublicKey(), lamports)
	require.NoError(t, err)
	return key
}

func signedTx(t *testing.T, bank *Bank, payer solana.PrivateKey, ixs []solana.Instruction, signers ...solana.PrivateKey) *solana.Transaction {
	t.Helper()
	blockhash, _ := bank.LatestBlockhash()
	tx, err := solana.NewTransaction(ixs, blockhash, solana.TransactionPayer(payer.PublicKey()))
	require.NoError(t, err)
	keys := append([]solana.PrivateKey{payer}, signers...)
	_, err = tx.Sign(func(pk solana.PublicKey) *solana.PrivateKey {
		for i := range keys {
			if keys[i].PublicKey().Equals(pk) {
				return &keys[i]
			}
		}
		return nil
	})
	require.NoError(t, err)
	return tx
}

func requireRejected(t *testing.T, err error, kind string) *TransactionError {
	t.Helper()
	var sim *SimulationError
	require.True(t, errors.As(err, &sim), "expected simulation error, got %v", err)
	require.Equal(t, kind, sim.Err.Kind)
	return sim.Err
}

func TestTransfer(t *testing.T) {
	bank := newTestBank(t)
	payer := fundedKey(t, bank, 10*solana.LAMPORTS_PER_SOL)
	to := solana.NewWallet().PublicKey()
	slot := bank.Slot()

	tx := signedTx(t, bank, payer, []solana.Instruction{
		system.NewTransferInstruction(solana.LAMPORTS_PER_SOL, payer.PublicKey(), to).Build(),
	})
	rec, err := bank.Process(tx, false)
	require.NoError(t, err)
	assert.Nil(t, rec.Err)
	assert.Equal(t, slot+1, rec.Slot)
	assert.Equal(t, tx.Signatures[0], rec.Signature)

	assert.Equal(t, 9*solana.LAMPORTS_PER_SOL-FeePerSignature, bank.Balance(payer.PublicKey()))
	assert.Equal(t, solana.LAMPORTS_PER_SOL, bank.Balance(to))

	stored, err := bank.Journal().Get(rec.Signature)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, rec.Slot, stored.Slot)
	assert.Contains(t, stored.Logs, "Program 11111111111111111111111111111111 success")

	_, err = bank.Process(tx, false)
	requireRejected(t, err, TxAlreadyProcessed)
}

func TestFailedTransactionRollsBack(t *testing.T) {
	bank := newTestBank(t)
	payer := fundedKey(t, bank, 2*solana.LAMPORTS_PER_SOL)
	to := solana.NewWallet().PublicKey()
	ixs := []solana.Instruction{
		system.NewTransferInstruction(solana.LAMPORTS_PER_SOL, payer.PublicKey(), to).Build(),
		system.NewTransferInstruction(5*solana.LAMPORTS_PER_SOL, payer.PublicKey(), to).Build(),
	}

	_, err := bank.Process(signedTx(t, bank, payer, ixs), false)
	txErr := requireRejected(t, err, TxInstructionError)
	assert.Equal(t, 1, txErr.Index)
	var custom CustomError
	require.True(t, errors.As(txErr, &custom))
	assert.Equal(t, SystemErrResultWithNegativeLamports, custom)
	assert.Equal(t, "Error processing Instruction 1: custom program error: 0x1", txErr.Error())
	assert.JSONEq(t, `{"InstructionError":[1,{"Custom":1}]}`, string(txErr.MarshalJSONValue()))

	assert.Equal(t, 2*solana.LAMPORTS_PER_SOL, bank.Balance(payer.PublicKey()))
	assert.Zero(t, bank.Balance(to))

	// with preflight skipped the failure is recorded and the fee charged
	tx := signedTx(t, bank, payer, ixs)
	rec, err := bank.Process(tx, true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"InstructionError":[1,{"Custom":1}]}`, string(rec.Err))
	assert.Equal(t, 2*solana.LAMPORTS_PER_SOL-FeePerSignature, bank.Balance(payer.PublicKey()))
	assert.Zero(t, bank.Balance(to))
}

func TestTransactionRejections(t *testing.T) {
	bank := newTestBank(t)
	payer := fundedKey(t, bank, solana.LAMPORTS_PER_SOL)
	to := solana.NewWallet().PublicKey()
	transfer := []solana.Instruction{system.NewTransferInstruction(1, payer.PublicKey(), to).Build()}

	t.Run("unknown blockhash", func(t *testing.T) {
		tx, err := solana.NewTransaction(transfer, solana.Hash{1}, solana.TransactionPayer(payer.PublicKey()))
		require.NoError(t, err)
		_, err = tx.Sign(func(solana.PublicKey) *solana.PrivateKey { return &payer })
		require.NoError(t, err)
		_, err = bank.Process(tx, false)
		requireRejected(t, err, TxBlockhashNotFound)
	})

	t.Run("bad signature", func(t *testing.T) {
		tx := signedTx(t, bank, payer, transfer)
		tx.Signatures[0][0] ^= 0xff
		_, err := bank.Process(tx, false)
		requireRejected(t, err, TxSignatureFailure)
	})

	t.Run("unknown payer", func(t *testing.T) {
		stranger := solana.NewWallet().PrivateKey
		tx := signedTx(t, bank, stranger, []solana.Instruction{
			system.NewTransferInstruction(1, stranger.PublicKey(), to).Build(),
		})
		_, err := bank.Process(tx, false)
		requireRejected(t, err, TxAccountNotFound)
	})

	t.Run("missing signature", func(t *testing.T) {
		victim := fundedKey(t, bank, solana.LAMPORTS_PER_SOL)
		ix := solana.NewInstruction(solana.SystemProgramID, solana.AccountMetaSlice{
			solana.Meta(victim.PublicKey()).WRITE(),
			solana.Meta(to).WRITE(),
		}, transferData(t, 1))
		tx := signedTx(t, bank, payer, []solana.Instruction{ix})
		_, err := bank.Process(tx, false)
		txErr := requireRejected(t, err, TxInstructionError)
		assert.ErrorIs(t, txErr, ErrMissingRequiredSignature)
	})
}

func transferData(t *testing.T, lamports uint64) []byte {
	t.Helper()
	data, err := system.NewTransferInstruction(lamports, solana.PublicKey{}, solana.PublicKey{}).Build().Data()
	require.NoError(t, err)
	return data
}

func TestCrossProgramInvocation(t *testing.T) {
	bank := newTestBank(t)
	payer := fundedKey(t, bank, 10*solana.LAMPORTS_PER_SOL)
	programID := solana.NewWallet().PublicKey()
	vault, bump, err := solana.FindProgramAddress([][]byte{[]byte("vault")}, programID)
	require.NoError(t, err)
	_, err = bank.Airdrop(vault, solana.LAMPORTS_PER_SOL)
	require.NoError(t, err)

	// data[0] selects whether the vault seeds are supplied
	bank.Deploy(programID, ProgramFunc(func(ctx *InvokeContext, accounts []*AccountInfo, data []byte) error {
		ix := system.NewTransferInstruction(1000, accounts[0].Key, accounts[1].Key).Build()
		if data[0] == 1 {
			return ctx.InvokeSigned(ix, [][]byte{[]byte("vault"), {bump}})
		}
		return ctx.Invoke(ix)
	}))

	to := solana.NewWallet().PublicKey()
	call := func(signed byte) error {
		ix := solana.NewInstruction(programID, solana.AccountMetaSlice{
			solana.Meta(vault).WRITE(),
			solana.Meta(to).WRITE(),
			solana.Meta(solana.SystemProgramID),
		}, []byte{signed})
		_, err := bank.Process(signedTx(t, bank, payer, []solana.Instruction{ix}), false)
		return err
	}

	txErr := requireRejected(t, call(0), TxInstructionError)
	assert.ErrorIs(t, txErr, ErrPrivilegeEscalation)

	require.NoError(t, call(1))
	assert.Equal(t, uint64(1000), bank.Balance(to))
	assert.Equal(t, solana.LAMPORTS_PER_SOL-1000, bank.Balance(vault))
}

func TestAccountRules(t *testing.T) {
	bank := newTestBank(t)
	payer := fundedKey(t, bank, 10*solana.LAMPORTS_PER_SOL)
	programID := solana.NewWallet().PublicKey()

	owned := solana.NewWallet().PublicKey()
	bank.SetAccount(owned, &Account{Lamports: bank.MinimumBalance(4), Owner: programID, Data: make([]byte, 4)})
	foreign := solana.NewWallet().PublicKey()
	bank.SetAccount(foreign, &Account{Lamports: bank.MinimumBalance(4), Owner: solana.NewWallet().PublicKey(), Data: make([]byte, 4)})

	bank.Deploy(programID, ProgramFunc(func(ctx *InvokeContext, accounts []*AccountInfo, data []byte) error {
		accounts[0].Data[0] = data[0]
		return nil
	}))

	write := func(meta *solana.AccountMeta) error {
		ix := solana.NewInstruction(programID, solana.AccountMetaSlice{meta}, []byte{7})
		_, err := bank.Process(signedTx(t, bank, payer, []solana.Instruction{ix}), false)
		return err
	}

	txErr := requireRejected(t, write(solana.Meta(owned)), TxInstructionError)
	assert.ErrorIs(t, txErr, ErrReadonlyDataModified)

	txErr = requireRejected(t, write(solana.Meta(foreign).WRITE()), TxInstructionError)
	assert.ErrorIs(t, txErr, ErrExternalAccountDataModified)

	require.NoError(t, write(solana.Meta(owned).WRITE()))
	acc, ok := bank.Account(owned)
	require.True(t, ok)
	assert.Equal(t, byte(7), acc.Data[0])
}

func TestUnsupportedProgram(t *testing.T) {
	bank := newTestBank(t)
	payer := fundedKey(t, bank, solana.LAMPORTS_PER_SOL)
	ix := solana.NewInstruction(solana.NewWallet().PublicKey(), solana.AccountMetaSlice{}, []byte{1})
	_, err := bank.Process(signedTx(t, bank, payer, []solana.Instruction{ix}), false)
	txErr := requireRejected(t, err, TxInstructionError)
	assert.ErrorIs(t, txErr, ErrUnsupportedProgramID)
}

func TestOnCommit(t *testing.T) {
	bank := newTestBank(t)
	var seen []solana.Signature
	remove := bank.OnCommit(func(rec *TxRecord) { seen = append(seen, rec.Signature) })

	sig, err := bank.Airdrop(solana.NewWallet().PublicKey(), 1)
	require.NoError(t, err)
	assert.Equal(t, []solana.Signature{sig}, seen)

	remove()
	_, err = bank.Airdrop(solana.NewWallet().PublicKey(), 1)
	require.NoError(t, err)
	assert.Len(t, seen, 1)
}

func TestBlockhashExpiry(t *testing.T) {
	bank := newTestBank(t)
	first, lastValid := bank.LatestBlockhash()
	assert.Equal(t, uint64(MaxRecentBlockhashes), lastValid)
	assert.True(t, bank.IsBlockhashValid(first))

	for i := 0; i < MaxRecentBlockhashes; i++ {
		bank.advance()
	}
	assert.False(t, bank.IsBlockhashValid(first))
	latest, _ := bank.LatestBlockhash()
	assert.True(t, bank.IsBlockhashValid(latest))
}

func TestJournalSignaturesForAddress(t *testing.T) {
	bank := newTestBank(t)
	addr := solana.NewWallet().PublicKey()
	var sigs []solana.Signature
	for i := 0; i < 3; i++ {
		sig, err := bank.Airdrop(addr, 1)
		require.NoError(t, err)
		sigs = append(sigs, sig)
	}

	recs, err := bank.Journal().SignaturesForAddress(addr, 0, nil)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, sigs[2], recs[0].Signature)
	assert.Equal(t, sigs[0], recs[2].Signature)

	recs, err = bank.Journal().SignaturesForAddress(addr, 1, &sigs[2])
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, sigs[1], recs[0].Signature)

	missing := solana.Signature{1}
	recs, err = bank.Journal().SignaturesForAddress(addr, 10, &missing)
	require.NoError(t, err)
	assert.Empty(t, recs)

	rec, err := bank.Journal().Get(missing)
	require.NoError(t, err)
	assert.Nil(t, rec)
}
