package localnet

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"solana-multisig-go/internal/logging"
)

// Server exposes a Bank over JSON-RPC (POST /) and PubSub (websocket GET /).
type Server struct {
	bank     *Bank
	router   *mux.Router
	handlers map[string]rpcHandler
	pubsub   *pubsub
	logger   *zap.Logger
}

// NewServer builds the HTTP surface of bank.
func NewServer(bank *Bank, logger *zap.Logger) *Server {
	logger = logging.OrNop(logger)
	s := &Server{
		bank:   bank,
		router: mux.NewRouter(),
		pubsub: newPubsub(bank, logger),
		logger: logger,
	}
	s.handlers = s.methods()

	s.router.HandleFunc("/", s.handleRPC).Methods("POST")
	s.router.HandleFunc("/", s.pubsub.serve).Methods("GET").Headers("Upgrade", "websocket")
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	return s
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("ok"))
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Options configures a Validator.
type Options struct {
	LedgerPath     string
	FaucetLamports uint64
	Logger         *zap.Logger
}

// Validator is a single-node local cluster.
type Validator struct {
	Bank    *Bank
	Server  *Server
	journal *Journal
	http    *http.Server
	logger  *zap.Logger
}

// NewValidator creates a validator with an empty ledger.
func NewValidator(opts Options) (*Validator, error) {
	logger := logging.OrNop(opts.Logger)
	if opts.LedgerPath == "" {
		opts.LedgerPath = ":memory:"
	}
	if opts.FaucetLamports == 0 {
		opts.FaucetLamports = 1_000_000 * 1_000_000_000
	}

	journal, err := NewJournal(opts.LedgerPath)
	if err != nil {
		return nil, err
	}
	bank, err := NewBank(journal, opts.FaucetLamports, logger)
	if err != nil {
		journal.Close()
		return nil, err
	}
	return &Validator{
		Bank:    bank,
		Server:  NewServer(bank, logger),
		journal: journal,
		logger:  logger,
	}, nil
}

// Deploy registers a native program.
func (v *Validator) Deploy(programID solana.PublicKey, prog Program) {
	v.Bank.Deploy(programID, prog)
}

// Handler returns the HTTP handler serving RPC and PubSub.
func (v *Validator) Handler() http.Handler {
	return v.Server
}

// Start listens on addr and serves until ctx is cancelled or Close is called.
func (v *Validator) Start(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	v.http = &http.Server{
		Handler:           v.Server,
		ReadHeaderTimeout: 10 * time.Second,
	}
	v.logger.Info("localnet listening",
		zap.String("rpc", "http://"+ln.Addr().String()),
		zap.String("ws", "ws://"+ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() {
		errCh <- v.http.Serve(ln)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return v.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Close stops the HTTP server and closes the journal.
func (v *Validator) Close() error {
	if v.http != nil {
		v.http.Close()
	}
	return v.journal.Close()
}
