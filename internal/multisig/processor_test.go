package multisig

import (
	"context"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-multisig-go/internal/anchor"
)

func TestCreateMultisigValidation(t *testing.T) {
	owners := func(n int) []solana.PublicKey {
		out := make([]solana.PublicKey, n)
		for i := range out {
			out[i] = solana.NewWallet().PublicKey()
		}
		return out
	}
	dup := owners(2)
	dup = append(dup, dup[0])

	tests := []struct {
		name      string
		owners    []solana.PublicKey
		threshold uint64
		want      ErrorCode
	}{
		{name: "no owners", owners: nil, threshold: 1, want: ErrInvalidOwnersLen},
		{name: "too many owners", owners: owners(MaxOwners + 1), threshold: 1, want: ErrInvalidOwnersLen},
		{name: "duplicate owner", owners: dup, threshold: 1, want: ErrUniqueOwners},
		{name: "zero threshold", owners: owners(3), threshold: 0, want: ErrInvalidThreshold},
		{name: "threshold above owners", owners: owners(3), threshold: 4, want: ErrInvalidThreshold},
	}
	h := newHarness(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := h.client.CreateMultisig(context.Background(), tt.owners, tt.threshold)
			require.Error(t, err)
			var pe *anchor.ProgramError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, uint32(tt.want), pe.Code)
			assert.Equal(t, tt.want.Name(), pe.Name)
			assert.Equal(t, tt.want.Error(), pe.Msg)
		})
	}

	t.Run("max owners", func(t *testing.T) {
		_, addr, err := h.client.CreateMultisig(context.Background(), owners(MaxOwners), MaxOwners)
		require.NoError(t, err)
		m, err := h.client.FetchMultisig(context.Background(), addr)
		require.NoError(t, err)
		assert.Len(t, m.Owners, MaxOwners)
	})
}

func TestOnlyOwnersProposeAndApprove(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b, outsider := h.newOwner(), h.newOwner()

	addr := h.createMultisig(2, b)
	h.fundSigner(addr, solana.LAMPORTS_PER_SOL)

	ix, err := h.client.TransferInstruction(addr, outsider.PublicKey(), 10)
	require.NoError(t, err)
	_, _, err = h.client.Propose(ctx, addr, ix, outsider)
	assert.True(t, IsProgramError(err, ErrInvalidOwner), "got %v", err)

	txAddr := h.proposeTransfer(addr, outsider.PublicKey(), 10, b)
	_, err = h.client.Approve(ctx, addr, txAddr, outsider)
	assert.True(t, IsProgramError(err, ErrInvalidOwner), "got %v", err)

	// approving twice is idempotent
	_, err = h.client.Approve(ctx, addr, txAddr, b)
	require.NoError(t, err)
	tx, err := h.client.FetchTransaction(ctx, txAddr)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), tx.Approvals())
}

func TestProposalBelongsToMultisig(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first := h.createMultisig(1)
	second := h.createMultisig(1)
	h.fundSigner(first, solana.LAMPORTS_PER_SOL)
	txAddr := h.proposeTransfer(first, solana.NewWallet().PublicKey(), 10, h.wallet)

	_, err := h.client.Approve(ctx, second, txAddr, h.wallet)
	requireCode(t, err, uint32(anchor.ErrConstraintHasOne))
}

func TestAuthorityInstructionsRequirePDASignature(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addr := h.createMultisig(1)

	// the PDA cannot sign outside of executeTransaction
	_, err := h.client.Program().Methods("changeThreshold").
		Args(uint64(1)).
		Accounts(map[string]solana.PublicKey{
			"multisig":       addr,
			"multisigSigner": MustSignerAddress(addr),
		}).
		RPC(ctx)
	assert.ErrorIs(t, err, anchor.ErrMissingSigner)

	ix, err := h.client.authorityCall(addr, "changeThreshold", uint64(1))
	require.NoError(t, err)
	ix.Accounts()[1].IsSigner = false
	_, err = h.client.Program().Provider.SendAndConfirm(ctx, []solana.Instruction{ix})
	requireCode(t, h.client.Program().TranslateError(err), uint32(anchor.ErrAccountNotSigner))

	impostor := solana.NewWallet().PrivateKey
	ix, err = h.client.Program().Methods("changeThreshold").
		Args(uint64(1)).
		Accounts(map[string]solana.PublicKey{
			"multisig":       addr,
			"multisigSigner": impostor.PublicKey(),
		}).
		Instruction()
	require.NoError(t, err)
	_, err = h.client.Program().Provider.SendAndConfirm(ctx, []solana.Instruction{ix}, impostor)
	requireCode(t, h.client.Program().TranslateError(err), uint32(anchor.ErrConstraintSeeds))
}

func TestUnknownInstruction(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	provider := h.client.Program().Provider

	tests := []struct {
		name string
		data []byte
		want anchor.ErrorCode
	}{
		{name: "short data", data: []byte{1, 2, 3}, want: anchor.ErrInstructionMissing},
		{name: "unknown discriminator", data: []byte{1, 2, 3, 4, 5, 6, 7, 8}, want: anchor.ErrInstructionFallbackNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ix := solana.NewInstruction(ProgramID, solana.AccountMetaSlice{}, tt.data)
			_, err := provider.SendAndConfirm(ctx, []solana.Instruction{ix})
			err = h.client.Program().TranslateError(err)
			requireCode(t, err, uint32(tt.want))

			var pe *anchor.ProgramError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.want.Name(), pe.Name)
		})
	}
}

func TestCreateMultisigRejectsInitializedAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	addr := h.createMultisig(1)

	_, err := h.client.Program().Methods("createMultisig").
		Args([]solana.PublicKey{h.wallet.PublicKey()}, uint64(1)).
		Accounts(map[string]solana.PublicKey{
			"multisig":       addr,
			"multisigSigner": MustSignerAddress(addr),
		}).
		RPC(ctx)
	requireCode(t, err, uint32(anchor.ErrAccountDiscriminatorAlreadySet))
}
