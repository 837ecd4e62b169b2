package multisig

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-multisig-go/internal/anchor"
)

type eventRecorder struct {
	mu     sync.Mutex
	events []ExecutionEvent
}

func (r *eventRecorder) record(e ExecutionEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) snapshot() []ExecutionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ExecutionEvent(nil), r.events...)
}

func TestMonitorCheck(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	b := h.newOwner()

	addr := h.createMultisig(2, b)
	h.fundSigner(addr, solana.LAMPORTS_PER_SOL)
	recipient := solana.NewWallet().PublicKey()
	txAddr := h.proposeTransfer(addr, recipient, 1000, h.wallet)

	rec := &eventRecorder{}
	monitor := NewExecutionMonitor(h.client, addr, time.Hour, rec.record)

	assert.Equal(t, 0, monitor.Check(ctx))
	assert.Empty(t, rec.snapshot())

	_, err := h.client.Approve(ctx, addr, txAddr, b)
	require.NoError(t, err)

	assert.Equal(t, 1, monitor.Check(ctx))
	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, txAddr, events[0].Transaction)
	assert.NoError(t, events[0].Err)
	assert.False(t, events[0].Signature.IsZero())
	assert.Equal(t, uint64(1000), h.validator.Bank.Balance(recipient))

	// executed proposals drop out of the pending set
	assert.Equal(t, 0, monitor.Check(ctx))
	assert.Len(t, rec.snapshot(), 1)
}

func TestMonitorDoesNotRetryFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	// the signer PDA is never funded, so the transfer fails
	addr := h.createMultisig(1)
	h.proposeTransfer(addr, solana.NewWallet().PublicKey(), 1000, h.wallet)

	rec := &eventRecorder{}
	monitor := NewExecutionMonitor(h.client, addr, time.Hour, rec.record)
	assert.Equal(t, 0, monitor.Check(ctx))
	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Error(t, events[0].Err)

	assert.Equal(t, 0, monitor.Check(ctx))
	assert.Len(t, rec.snapshot(), 1)
}

func TestMonitorRetriesTransportFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	addr := h.createMultisig(1)
	h.fundSigner(addr, solana.LAMPORTS_PER_SOL)
	recipient := solana.NewWallet().PublicKey()
	h.proposeTransfer(addr, recipient, 1000, h.wallet)

	// the gate drops submissions while the cluster keeps answering reads
	var blocked atomic.Bool
	blocked.Store(true)
	gate := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if blocked.Load() && bytes.Contains(body, []byte(`"sendTransaction"`)) {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		h.validator.Handler().ServeHTTP(w, r)
	}))
	t.Cleanup(gate.Close)

	rec := &eventRecorder{}
	monitor := NewExecutionMonitor(h.clientAt(gate.URL), addr, time.Hour, rec.record)

	assert.Equal(t, 0, monitor.Check(ctx))
	events := rec.snapshot()
	require.Len(t, events, 1)
	require.Error(t, events[0].Err)
	var pe *anchor.ProgramError
	assert.False(t, errors.As(events[0].Err, &pe))

	blocked.Store(false)
	assert.Equal(t, 1, monitor.Check(ctx))
	events = rec.snapshot()
	require.Len(t, events, 2)
	assert.NoError(t, events[1].Err)
	assert.Equal(t, uint64(1000), h.validator.Bank.Balance(recipient))
}

func TestMonitorStartStop(t *testing.T) {
	h := newHarness(t)
	addr := h.createMultisig(1)
	h.fundSigner(addr, solana.LAMPORTS_PER_SOL)
	recipient := solana.NewWallet().PublicKey()
	h.proposeTransfer(addr, recipient, 1000, h.wallet)

	executed := make(chan ExecutionEvent, 1)
	monitor := NewExecutionMonitor(h.client, addr, 20*time.Millisecond, func(e ExecutionEvent) {
		select {
		case executed <- e:
		default:
		}
	})

	require.NoError(t, monitor.Start(context.Background()))
	assert.True(t, monitor.Running())
	assert.ErrorIs(t, monitor.Start(context.Background()), ErrMonitorRunning)

	select {
	case e := <-executed:
		assert.NoError(t, e.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("monitor did not execute the proposal")
	}

	monitor.Stop()
	assert.False(t, monitor.Running())
	monitor.Stop()
	assert.Equal(t, uint64(1000), h.validator.Bank.Balance(recipient))
}
