// Package economy tracks the transaction ledger, cost estimates, and
// affordability checks. The authoritative balance itself lives in the world
// store; this store keeps the bounded history around it.
package economy

import (
	"sync"
	"time"

	"loom/internal/protocol"
)

// Defaults; both are tunable via options.
const (
	DefaultMaxEntries          = 20
	DefaultLowBalanceThreshold = 10
)

// Entry is one immutable ledger record. Entries are append-only and kept
// newest-first for display.
type Entry struct {
	TurnID       int              `json:"turn_id"`
	Reason       string           `json:"reason"`
	Cost         protocol.Balance `json:"cost"`
	BalanceAfter protocol.Balance `json:"balance_after"`
	ModelLabel   string           `json:"model_label,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// Estimate is the currently displayed cost estimate, derived from the last
// hovered or selected action card.
type Estimate struct {
	Min      protocol.Balance `json:"min"`
	Max      protocol.Balance `json:"max"`
	ActionID string           `json:"action_id"`
	Label    string           `json:"label,omitempty"`
}

// Affordability is the result of an affordability check. Shortfall holds
// the per-currency amount missing; all-zero shortfall means affordable.
type Affordability struct {
	Affordable bool
	Shortfall  protocol.Balance
}

// Store is the economy ledger store. All mutation goes through its methods.
type Store struct {
	mu sync.Mutex

	entries      []Entry
	lastCost     protocol.Balance
	estimate     *Estimate
	isBalanceLow bool

	maxEntries   int
	lowThreshold int
	now          func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithMaxEntries overrides the ledger capacity.
func WithMaxEntries(n int) Option {
	return func(s *Store) { s.maxEntries = n }
}

// WithLowBalanceThreshold overrides the signal level below which the
// balance is flagged low.
func WithLowBalanceThreshold(n int) Option {
	return func(s *Store) { s.lowThreshold = n }
}

// WithNow overrides the timestamp source, for deterministic tests.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore creates an economy store with default capacity and threshold.
func NewStore(opts ...Option) *Store {
	s := &Store{
		maxEntries:   DefaultMaxEntries,
		lowThreshold: DefaultLowBalanceThreshold,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddEntry stamps the entry with the current time, prepends it to the
// ledger, evicts the oldest entries beyond capacity, and mirrors the cost
// into LastCost.
func (s *Store) AddEntry(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.Timestamp = s.now()

	s.entries = append([]Entry{e}, s.entries...)
	if len(s.entries) > s.maxEntries {
		s.entries = s.entries[:s.maxEntries]
	}
	s.lastCost = e.Cost
}

// Entries returns a copy of the ledger, newest first.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// LastCost returns the cost of the most recent entry.
func (s *Store) LastCost() protocol.Balance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCost
}

// SetCostEstimateFromCard records the estimate for an action card. A nil
// estimate degrades to a point estimate using cost for both bounds.
func (s *Store) SetCostEstimateFromCard(cost protocol.Balance, estimate *protocol.CostRange, actionID, label string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if estimate != nil {
		s.estimate = &Estimate{Min: estimate.Min, Max: estimate.Max, ActionID: actionID, Label: label}
		return
	}
	s.estimate = &Estimate{Min: cost, Max: cost, ActionID: actionID, Label: label}
}

// ClearCostEstimate removes the displayed estimate.
func (s *Store) ClearCostEstimate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.estimate = nil
}

// CostEstimate returns the current estimate, or nil.
func (s *Store) CostEstimate() *Estimate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.estimate == nil {
		return nil
	}
	e := *s.estimate
	return &e
}

// UpdateBalanceLowStatus recomputes the low-balance flag from the signal
// currency.
func (s *Store) UpdateBalanceLowStatus(balance protocol.Balance) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.isBalanceLow = balance.Signal < s.lowThreshold
}

// IsBalanceLow reports the flag computed by UpdateBalanceLowStatus.
func (s *Store) IsBalanceLow() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isBalanceLow
}

// CanAffordCost checks a concrete cost against a balance. The shortfall is
// computed per currency as max(0, cost-balance); affordable iff both
// shortfalls are zero.
func CanAffordCost(balance, cost protocol.Balance) Affordability {
	short := protocol.Balance{
		Signal:      nonNegative(cost.Signal - balance.Signal),
		MemoryShard: nonNegative(cost.MemoryShard - balance.MemoryShard),
	}
	return Affordability{
		Affordable: short.Signal == 0 && short.MemoryShard == 0,
		Shortfall:  short,
	}
}

// CanAffordEstimate applies the same test against the maximum of a cost
// range. An action only shows affordable when its worst case is covered.
func CanAffordEstimate(balance protocol.Balance, estimate protocol.CostRange) Affordability {
	return CanAffordCost(balance, estimate.Max)
}

// Reset clears all ledger state. Used on session reset.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	s.lastCost = protocol.Balance{}
	s.estimate = nil
	s.isBalanceLow = false
}

// Hydrate replaces the ledger with persisted entries (already newest-first)
// without stamping new timestamps. Entries beyond capacity are dropped.
func (s *Store) Hydrate(entries []Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make([]Entry, len(entries))
	copy(s.entries, entries)
	if len(s.entries) > s.maxEntries {
		s.entries = s.entries[:s.maxEntries]
	}
	if len(s.entries) > 0 {
		s.lastCost = s.entries[0].Cost
	} else {
		s.lastCost = protocol.Balance{}
	}
}

func nonNegative(v int) int {
	if v < 0 {
		return 0
	}
	return v
}
