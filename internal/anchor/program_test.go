package anchor

import (
	"bytes"
	"context"
	"encoding/binary"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	ag_binary "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-multisig-go/internal/config"
	"solana-multisig-go/internal/localnet"
)

const toyIDL = `{
  "version": "0.1.0",
  "name": "toy_program",
  "instructions": [
    {"name": "initialize", "accounts": [], "args": []},
    {"name": "fail", "accounts": [], "args": [{"name": "code", "type": "u32"}]},
    {
      "name": "setValue",
      "accounts": [
        {"name": "counter", "isMut": true, "isSigner": false},
        {"name": "authority", "isMut": false, "isSigner": true}
      ],
      "args": [{"name": "value", "type": "u64"}]
    }
  ],
  "accounts": [
    {"name": "Counter", "type": {"kind": "struct", "fields": [{"name": "value", "type": "u64"}]}}
  ],
  "errors": [
    {"code": 6000, "name": "Boom", "msg": "Something went boom"}
  ]
}`

var toyProgramID = solana.NewWallet().PublicKey()

type counter struct {
	Value uint64
}

// toyProcess implements initialize, fail(code) and setValue(value).
func toyProcess(ctx *localnet.InvokeContext, accounts []*localnet.AccountInfo, data []byte) error {
	switch {
	case bytes.HasPrefix(data, ag_binary.SighashInstruction("initialize")):
		ctx.Log("Instruction: Initialize")
		return nil
	case bytes.HasPrefix(data, ag_binary.SighashInstruction("fail")):
		return localnet.CustomError(binary.LittleEndian.Uint32(data[8:]))
	case bytes.HasPrefix(data, ag_binary.SighashInstruction("setValue")):
		if len(accounts) < 2 {
			return localnet.CustomError(ErrAccountNotEnoughKeys)
		}
		if !accounts[1].IsSigner {
			return localnet.CustomError(ErrAccountNotSigner)
		}
		acc := accounts[0]
		copy(acc.Data[:8], ag_binary.SighashAccount("Counter"))
		copy(acc.Data[8:16], data[8:16])
		return nil
	}
	return localnet.CustomError(ErrInstructionFallbackNotFound)
}

type testCluster struct {
	validator *localnet.Validator
	server    *httptest.Server
	wallet    solana.PrivateKey
}

func newTestCluster(t *testing.T) *testCluster {
	t.Helper()
	v, err := localnet.NewValidator(localnet.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })
	v.Deploy(toyProgramID, localnet.ProgramFunc(toyProcess))

	srv := httptest.NewServer(v.Handler())
	t.Cleanup(srv.Close)

	wallet := solana.NewWallet().PrivateKey
	_, err = v.Bank.Airdrop(wallet.PublicKey(), 10*solana.LAMPORTS_PER_SOL)
	require.NoError(t, err)
	return &testCluster{validator: v, server: srv, wallet: wallet}
}

func (c *testCluster) providerConfig() config.ProviderConfig {
	return config.ProviderConfig{
		URL:            c.server.URL,
		Commitment:     "confirmed",
		ConfirmTimeout: 5 * time.Second,
		PollInterval:   10 * time.Millisecond,
	}
}

func (c *testCluster) program(t *testing.T, cfg config.ProviderConfig) *Program {
	t.Helper()
	provider, err := NewProviderWithWallet(context.Background(), cfg, c.wallet, nil)
	require.NoError(t, err)
	t.Cleanup(provider.Close)
	idl, err := ParseIDL([]byte(toyIDL))
	require.NoError(t, err)
	return NewProgram(idl, toyProgramID, provider)
}

func TestMethodsInitialize(t *testing.T) {
	cluster := newTestCluster(t)
	program := cluster.program(t, cluster.providerConfig())

	sig, err := program.Methods("initialize").RPC(context.Background())
	require.NoError(t, err)
	assert.False(t, sig.IsZero())

	rec, err := cluster.validator.Bank.Journal().Get(sig)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Nil(t, rec.Err)
	assert.Contains(t, rec.Logs, "Program log: Instruction: Initialize")
}

func TestMethodsInitializeOverWebsocket(t *testing.T) {
	cluster := newTestCluster(t)
	cfg := cluster.providerConfig()
	cfg.WSURL = "ws" + strings.TrimPrefix(cluster.server.URL, "http")
	program := cluster.program(t, cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sig, err := program.Methods("initialize").RPC(ctx)
	require.NoError(t, err)

	rec, err := cluster.validator.Bank.Journal().Get(sig)
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestMethodsProgramError(t *testing.T) {
	tests := []struct {
		name     string
		code     uint32
		wantName string
	}{
		{name: "idl error", code: 6000, wantName: "Boom"},
		{name: "framework error", code: 3012, wantName: "AccountNotInitialized"},
		{name: "unknown error", code: 6042, wantName: "Unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cluster := newTestCluster(t)
			program := cluster.program(t, cluster.providerConfig())

			_, err := program.Methods("fail").Args(tt.code).RPC(context.Background())
			require.Error(t, err)

			var pe *ProgramError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.code, pe.Code)
			assert.Equal(t, tt.wantName, pe.Name)
			assert.Equal(t, 0, pe.InstructionIndex)
			assert.NotEmpty(t, pe.Logs)
		})
	}
}

func TestMethodsProgramErrorSkipPreflight(t *testing.T) {
	cluster := newTestCluster(t)
	cfg := cluster.providerConfig()
	cfg.SkipPreflight = true
	program := cluster.program(t, cfg)

	_, err := program.Methods("fail").Args(uint32(6000)).RPC(context.Background())
	var pe *ProgramError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, uint32(6000), pe.Code)
	assert.Equal(t, "Boom", pe.Name)
	assert.Equal(t, "Error Code: Boom. Error Number: 6000. Error Message: Something went boom.", pe.Error())
}

func TestMethodsValidation(t *testing.T) {
	cluster := newTestCluster(t)
	program := cluster.program(t, cluster.providerConfig())

	_, err := program.Methods("missing").Instruction()
	assert.ErrorIs(t, err, ErrUnknownInstruction)

	_, err = program.Methods("fail").Instruction()
	assert.ErrorContains(t, err, "expected 1 arguments, got 0")

	_, err = program.Methods("fail").Args("nope").Instruction()
	assert.ErrorContains(t, err, "argument code")

	_, err = program.Methods("setValue").Args(uint64(1)).Instruction()
	assert.ErrorContains(t, err, "missing account counter")

	signer := solana.NewWallet().PrivateKey
	counterKey := solana.NewWallet().PublicKey()
	ix, err := program.Methods("set_value").
		Args(uint64(7)).
		Accounts(map[string]solana.PublicKey{"counter": counterKey, "authority": signer.PublicKey()}).
		Instruction()
	require.NoError(t, err)

	metas := ix.Accounts()
	require.Len(t, metas, 2)
	assert.True(t, metas[0].IsWritable)
	assert.False(t, metas[0].IsSigner)
	assert.True(t, metas[1].IsSigner)

	data, err := ix.Data()
	require.NoError(t, err)
	assert.Equal(t, ag_binary.SighashInstruction("setValue"), data[:8])
	assert.Equal(t, uint64(7), binary.LittleEndian.Uint64(data[8:]))

	_, err = program.Methods("setValue").
		Args(uint64(7)).
		Accounts(map[string]solana.PublicKey{"counter": counterKey, "authority": signer.PublicKey()}).
		RPC(context.Background())
	assert.ErrorIs(t, err, ErrMissingSigner)
}

func TestAccountFetchAndAll(t *testing.T) {
	cluster := newTestCluster(t)
	program := cluster.program(t, cluster.providerConfig())
	ctx := context.Background()

	counterKey := solana.NewWallet().PublicKey()
	cluster.validator.Bank.SetAccount(counterKey, &localnet.Account{
		Lamports: cluster.validator.Bank.MinimumBalance(16),
		Owner:    toyProgramID,
		Data:     make([]byte, 16),
	})

	var c counter
	err := program.Account("Counter").Fetch(ctx, counterKey, &c)
	assert.ErrorIs(t, err, ErrAccountDiscriminatorMismatch)

	authority := solana.NewWallet().PrivateKey
	_, err = program.Methods("setValue").
		Args(uint64(42)).
		Accounts(map[string]solana.PublicKey{"counter": counterKey, "authority": authority.PublicKey()}).
		Signers(authority).
		RPC(ctx)
	require.NoError(t, err)

	require.NoError(t, program.Account("counter").Fetch(ctx, counterKey, &c))
	assert.Equal(t, uint64(42), c.Value)

	all, err := program.Account("Counter").All(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, counterKey, all[0].Pubkey)

	err = program.Account("Counter").Fetch(ctx, solana.NewWallet().PublicKey(), &c)
	assert.ErrorIs(t, err, ErrAccountNotFound)

	err = program.Account("Counter").Fetch(ctx, cluster.wallet.PublicKey(), &c)
	assert.ErrorIs(t, err, ErrAccountWrongOwner)

	err = program.Account("Nope").Fetch(ctx, counterKey, &c)
	assert.ErrorIs(t, err, ErrUnknownAccountType)
}

func TestProviderFromEnv(t *testing.T) {
	cluster := newTestCluster(t)
	walletPath := writeKeypair(t, t.TempDir(), cluster.wallet)

	t.Setenv(config.EnvProviderURL, cluster.server.URL)
	t.Setenv(config.EnvWallet, walletPath)
	t.Setenv(config.EnvProviderWSURL, "")
	t.Setenv(config.EnvPollInterval, "10ms")
	t.Setenv(config.EnvCommitment, "")

	provider, err := ProviderFromEnv(context.Background(), nil)
	require.NoError(t, err)
	defer provider.Close()
	assert.Equal(t, cluster.wallet.PublicKey(), provider.PublicKey())
	assert.Equal(t, rpc.CommitmentConfirmed, provider.Commitment())

	balance, err := provider.Connection.GetBalance(context.Background(), provider.PublicKey(), rpc.CommitmentConfirmed)
	require.NoError(t, err)
	assert.Equal(t, 10*solana.LAMPORTS_PER_SOL, balance.Value)
}

func TestProviderFromEnvMissing(t *testing.T) {
	t.Setenv(config.EnvProviderURL, "")
	t.Setenv(config.EnvWallet, "")
	_, err := ProviderFromEnv(context.Background(), nil)
	assert.ErrorIs(t, err, config.ErrMissingProviderURL)

	t.Setenv(config.EnvProviderURL, "http://127.0.0.1:1")
	_, err = ProviderFromEnv(context.Background(), nil)
	assert.ErrorIs(t, err, config.ErrMissingWallet)

	t.Setenv(config.EnvWallet, "/does/not/exist.json")
	_, err = ProviderFromEnv(context.Background(), nil)
	assert.ErrorContains(t, err, "failed to load wallet")
}
