package multisig

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

const (
	MaxHistoryFetch     = 50
	historyCacheTimeout = 5 * time.Minute
)

// HistoryEntry is one transaction that touched an address.
type HistoryEntry struct {
	Signature solana.Signature
	Slot      uint64
	Time      time.Time
	Failed    bool
	Err       interface{}
}

type historyCacheEntry struct {
	entries []HistoryEntry
	limit   int
	fetched time.Time
}

// History lists recent transactions per address, caching each answer for
// five minutes.
type History struct {
	conn *rpc.Client
	now  func() time.Time

	mu    sync.RWMutex
	cache map[solana.PublicKey]historyCacheEntry
}

// NewHistory returns an empty history backed by conn.
func NewHistory(conn *rpc.Client) *History {
	return &History{
		conn:  conn,
		now:   time.Now,
		cache: make(map[solana.PublicKey]historyCacheEntry),
	}
}

// Fetch returns up to limit transactions for addr, newest first.
func (h *History) Fetch(ctx context.Context, addr solana.PublicKey, limit int) ([]HistoryEntry, error) {
	if limit <= 0 || limit > MaxHistoryFetch {
		limit = MaxHistoryFetch
	}

	h.mu.RLock()
	cached, found := h.cache[addr]
	h.mu.RUnlock()
	if found && cached.limit >= limit && h.now().Sub(cached.fetched) < historyCacheTimeout {
		n := len(cached.entries)
		if n > limit {
			n = limit
		}
		out := make([]HistoryEntry, n)
		copy(out, cached.entries[:n])
		return out, nil
	}

	sigs, err := h.conn.GetSignaturesForAddressWithOpts(ctx, addr, &rpc.GetSignaturesForAddressOpts{
		Limit: &limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch signatures: %w", err)
	}

	entries := make([]HistoryEntry, 0, len(sigs))
	for _, s := range sigs {
		if s == nil {
			continue
		}
		e := HistoryEntry{
			Signature: s.Signature,
			Slot:      s.Slot,
			Failed:    s.Err != nil,
			Err:       s.Err,
		}
		if s.BlockTime != nil {
			e.Time = s.BlockTime.Time()
		}
		entries = append(entries, e)
	}

	h.mu.Lock()
	h.cache[addr] = historyCacheEntry{entries: entries, limit: limit, fetched: h.now()}
	h.mu.Unlock()
	return append([]HistoryEntry(nil), entries...), nil
}

// Invalidate drops the cached answer for addr.
func (h *History) Invalidate(addr solana.PublicKey) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.cache, addr)
}
