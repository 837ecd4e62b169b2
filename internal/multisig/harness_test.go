package multisig

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"solana-multisig-go/internal/anchor"
	"solana-multisig-go/internal/config"
	"solana-multisig-go/internal/localnet"
)

type harness struct {
	t         *testing.T
	validator *localnet.Validator
	server    *httptest.Server
	wallet    solana.PrivateKey
	client    *Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)

	v, err := localnet.NewValidator(localnet.Options{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	v.Deploy(ProgramID, Processor)

	srv := httptest.NewServer(v.Handler())
	t.Cleanup(srv.Close)

	wallet := solana.NewWallet().PrivateKey
	_, err = v.Bank.Airdrop(wallet.PublicKey(), 100*solana.LAMPORTS_PER_SOL)
	require.NoError(t, err)

	provider, err := anchor.NewProviderWithWallet(context.Background(), config.ProviderConfig{
		URL:            srv.URL,
		Commitment:     "confirmed",
		ConfirmTimeout: 5 * time.Second,
		PollInterval:   10 * time.Millisecond,
	}, wallet, logger)
	require.NoError(t, err)
	t.Cleanup(provider.Close)

	client, err := FromWorkspace(anchor.NewWorkspace(), provider, logger)
	require.NoError(t, err)

	return &harness{t: t, validator: v, server: srv, wallet: wallet, client: client}
}

// clientAt returns a second client for the wallet that talks to url.
func (h *harness) clientAt(url string) *Client {
	h.t.Helper()
	logger := zaptest.NewLogger(h.t)
	provider, err := anchor.NewProviderWithWallet(context.Background(), config.ProviderConfig{
		URL:            url,
		Commitment:     "confirmed",
		ConfirmTimeout: 5 * time.Second,
		PollInterval:   10 * time.Millisecond,
	}, h.wallet, logger)
	require.NoError(h.t, err)
	h.t.Cleanup(provider.Close)

	client, err := FromWorkspace(anchor.NewWorkspace(), provider, logger)
	require.NoError(h.t, err)
	return client
}

func (h *harness) newOwner() solana.PrivateKey {
	return solana.NewWallet().PrivateKey
}

// createMultisig creates a multisig owned by the wallet plus extra owners.
func (h *harness) createMultisig(threshold uint64, extra ...solana.PrivateKey) solana.PublicKey {
	h.t.Helper()
	owners := []solana.PublicKey{h.wallet.PublicKey()}
	for _, o := range extra {
		owners = append(owners, o.PublicKey())
	}
	_, addr, err := h.client.CreateMultisig(context.Background(), owners, threshold)
	require.NoError(h.t, err)
	return addr
}

// fundSigner airdrops lamports to the multisig's signer PDA.
func (h *harness) fundSigner(multisig solana.PublicKey, lamports uint64) solana.PublicKey {
	h.t.Helper()
	signer, _, err := h.client.Signer(multisig)
	require.NoError(h.t, err)
	_, err = h.validator.Bank.Airdrop(signer, lamports)
	require.NoError(h.t, err)
	return signer
}

func (h *harness) proposeTransfer(multisig, to solana.PublicKey, lamports uint64, proposer solana.PrivateKey) solana.PublicKey {
	h.t.Helper()
	ix, err := h.client.TransferInstruction(multisig, to, lamports)
	require.NoError(h.t, err)
	_, txAddr, err := h.client.Propose(context.Background(), multisig, ix, proposer)
	require.NoError(h.t, err)
	return txAddr
}

// requireCode asserts err is a program error with the given code.
func requireCode(t *testing.T, err error, code uint32) {
	t.Helper()
	require.Error(t, err)
	var pe *anchor.ProgramError
	require.True(t, errors.As(err, &pe), "expected program error, got %v", err)
	require.Equal(t, code, pe.Code, "got %s", pe.Name)
}
