// main.go - multisig command line
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"go.uber.org/zap"

	"solana-multisig-go/internal/anchor"
	"solana-multisig-go/internal/config"
	"solana-multisig-go/internal/logging"
	"solana-multisig-go/internal/multisig"
)

// Globals are the flags shared by every command.
type Globals struct {
	Workspace string `help:"Anchor workspace directory." default:"." env:"ANCHOR_WORKSPACE" type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" env:"LOG_LEVEL"`
	LogFormat string `help:"Log format." default:"console" enum:"json,console" env:"LOG_FORMAT"`

	cfg    *config.Config `kong:"-"`
	logger *zap.Logger    `kong:"-"`
	out    io.Writer      `kong:"-"`
}

type CLI struct {
	Globals

	Initialize       InitializeCmd       `cmd:"" help:"Call the program's initialize instruction."`
	Create           CreateCmd           `cmd:"" help:"Create a multisig."`
	Show             ShowCmd             `cmd:"" help:"Show a multisig."`
	ProposeTransfer  ProposeTransferCmd  `cmd:"" help:"Propose a SOL transfer out of the multisig signer."`
	ProposeOwners    ProposeOwnersCmd    `cmd:"" help:"Propose a new owner set."`
	ProposeThreshold ProposeThresholdCmd `cmd:"" help:"Propose a new approval threshold."`
	Approve          ApproveCmd          `cmd:"" help:"Approve a proposal."`
	Execute          ExecuteCmd          `cmd:"" help:"Execute an approved proposal."`
	Pending          PendingCmd          `cmd:"" help:"List proposals that have not been executed."`
	History          HistoryCmd          `cmd:"" help:"List recent transactions for an address."`
	Airdrop          AirdropCmd          `cmd:"" help:"Request an airdrop (local and test clusters only)."`
	Watch            WatchCmd            `cmd:"" help:"Execute proposals as soon as they reach the threshold."`
	Localnet         LocalnetCmd         `cmd:"" help:"Run a local cluster with the multisig program deployed."`
}

func newParser(cli *CLI, options ...kong.Option) (*kong.Kong, error) {
	return kong.New(cli, append([]kong.Option{
		kong.Name("multisig"),
		kong.Description("Create and operate Solana multisig accounts."),
		kong.UsageOnError(),
	}, options...)...)
}

func main() {
	var cli CLI
	parser, err := newParser(&cli)
	if err != nil {
		panic(err)
	}
	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cli.LogLevel, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	cli.cfg = cfg
	cli.logger = logger
	cli.out = os.Stdout

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	kctx.FatalIfErrorf(cli.run(ctx, kctx))
}

// run executes the selected command. Program logs of a failed transaction
// are written at debug level.
func (cli *CLI) run(ctx context.Context, kctx *kong.Context) error {
	kctx.BindTo(ctx, (*context.Context)(nil))
	err := kctx.Run(&cli.Globals)
	var pe *anchor.ProgramError
	if errors.As(err, &pe) {
		for _, line := range pe.Logs {
			cli.logger.Debug(line)
		}
	}
	return err
}

// loadWorkspace reads Anchor.toml when present. Outside of a workspace the
// embedded IDL and the environment are used instead.
func (g *Globals) loadWorkspace() *anchor.Workspace {
	ws, err := anchor.LoadWorkspace(g.Workspace)
	if err != nil {
		g.logger.Debug("no anchor workspace, using embedded IDL", zap.Error(err))
		return anchor.NewWorkspace()
	}
	return ws
}

// connect builds the provider and the multisig client. The caller must
// close the provider.
func (g *Globals) connect(ctx context.Context) (*multisig.Client, *anchor.Provider, error) {
	ws := g.loadWorkspace()
	pcfg, err := ws.ProviderConfig(g.cfg.Provider)
	if err != nil {
		return nil, nil, err
	}
	provider, err := anchor.NewProvider(ctx, pcfg, g.logger)
	if err != nil {
		return nil, nil, err
	}
	client, err := multisig.FromWorkspace(ws, provider, g.logger)
	if err != nil {
		provider.Close()
		return nil, nil, err
	}
	g.logger.Debug("connected",
		zap.String("url", pcfg.URL),
		zap.Stringer("wallet", provider.PublicKey()),
		zap.Stringer("program", client.Program().ProgramID))
	return client, provider, nil
}
