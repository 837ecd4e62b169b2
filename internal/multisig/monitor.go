package multisig

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"go.uber.org/zap"

	"solana-multisig-go/internal/anchor"
)

var ErrMonitorRunning = errors.New("monitor already running")

// ExecutionEvent reports one attempt to execute a proposal.
type ExecutionEvent struct {
	Multisig    solana.PublicKey
	Transaction solana.PublicKey
	Signature   solana.Signature
	Err         error
}

// ExecutionMonitor watches a multisig and executes proposals as soon as
// they collect enough approvals.
type ExecutionMonitor struct {
	client        *Client
	multisig      solana.PublicKey
	checkInterval time.Duration
	onExecute     func(ExecutionEvent)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	failed map[solana.PublicKey]bool
}

// NewExecutionMonitor returns a stopped monitor for multisig. A non-positive
// interval defaults to five seconds.
func NewExecutionMonitor(client *Client, multisig solana.PublicKey, interval time.Duration, onExecute func(ExecutionEvent)) *ExecutionMonitor {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &ExecutionMonitor{
		client:        client,
		multisig:      multisig,
		checkInterval: interval,
		onExecute:     onExecute,
		failed:        make(map[solana.PublicKey]bool),
	}
}

// Start runs the monitor loop until ctx is cancelled or Stop is called.
func (m *ExecutionMonitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return ErrMonitorRunning
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	go m.loop(ctx, m.done)
	return nil
}

// Stop halts the loop and waits for the current check to finish.
func (m *ExecutionMonitor) Stop() {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Running reports whether the loop is active.
func (m *ExecutionMonitor) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancel != nil
}

func (m *ExecutionMonitor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	for {
		m.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check executes every pending, current proposal that has reached the
// threshold and returns the number executed. Proposals rejected by the
// program are not retried; transport failures are retried on the next call.
func (m *ExecutionMonitor) Check(ctx context.Context) int {
	logger := m.client.logger.With(zap.Stringer("multisig", m.multisig))

	ms, err := m.client.FetchMultisig(ctx, m.multisig)
	if err != nil {
		logger.Error("failed to fetch multisig", zap.Error(err))
		return 0
	}
	pending, err := m.client.PendingTransactions(ctx, m.multisig)
	if err != nil {
		logger.Error("failed to list pending transactions", zap.Error(err))
		return 0
	}
	logger.Debug("checking pending transactions", zap.Int("count", len(pending)))

	executed := 0
	for _, p := range pending {
		if ctx.Err() != nil {
			return executed
		}
		if p.Stale || p.Approvals() < ms.Threshold || m.hasFailed(p.Address) {
			continue
		}
		sig, err := m.client.Execute(ctx, m.multisig, p.Address)
		if err != nil {
			logger.Warn("execution failed", zap.Stringer("transaction", p.Address), zap.Error(err))
			var pe *anchor.ProgramError
			if errors.As(err, &pe) {
				m.markFailed(p.Address)
			}
		} else {
			executed++
		}
		if m.onExecute != nil {
			m.onExecute(ExecutionEvent{
				Multisig:    m.multisig,
				Transaction: p.Address,
				Signature:   sig,
				Err:         err,
			})
		}
	}
	return executed
}

func (m *ExecutionMonitor) hasFailed(tx solana.PublicKey) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failed[tx]
}

func (m *ExecutionMonitor) markFailed(tx solana.PublicKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failed[tx] = true
}
