// Package store provides an in-memory budget.TxStore and budget.Ledger.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/warp/budget-engine/budget"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

type Memory struct {
	mu sync.RWMutex
	state
}

// state is everything a transaction may roll back.
type state struct {
	periods      map[budget.PeriodID]budget.BudgetPeriod
	windows      map[windowKey]budget.PeriodID
	history      map[budget.HistoryID]budget.HistoryEntry
	historyIndex map[historyKey]budget.HistoryID
	ledger       []budget.LedgerEntry
	runs         []budget.RunRecord
}

type windowKey struct {
	Scope budget.Scope
	Start int64
	End   int64
}

type historyKey struct {
	PeriodID budget.PeriodID
	Label    string
}

func NewMemory() *Memory {
	return &Memory{state: state{
		periods:      make(map[budget.PeriodID]budget.BudgetPeriod),
		windows:      make(map[windowKey]budget.PeriodID),
		history:      make(map[budget.HistoryID]budget.HistoryEntry),
		historyIndex: make(map[historyKey]budget.HistoryID),
	}}
}

func keyOf(scope budget.Scope, w budget.Period) windowKey {
	return windowKey{Scope: scope, Start: w.Start.UnixNano(), End: w.End.UnixNano()}
}

// =============================================================================
// LOCKED ACCESSORS - Shared by Memory and the transaction view
// =============================================================================

func (s *state) listScopeCandidates() []budget.ScopeCandidate {
	latest := make(map[budget.Scope]time.Time)
	for _, p := range s.periods {
		if !isRolling(p) {
			continue
		}
		if end, ok := latest[p.Scope]; !ok || p.EndDate.After(end) {
			latest[p.Scope] = p.EndDate
		}
	}
	out := make([]budget.ScopeCandidate, 0, len(latest))
	for scope, end := range latest {
		out = append(out, budget.ScopeCandidate{
			AccountBookID:  scope.AccountBookID,
			UserID:         scope.UserID(),
			FamilyMemberID: scope.CustodialMemberID(),
			LatestEnd:      end,
		})
	}
	return out
}

func isRolling(p budget.BudgetPeriod) bool {
	return p.BudgetType == budget.BudgetPersonal &&
		(p.PeriodType == budget.PeriodMonthly || p.PeriodType == budget.PeriodYearly)
}

func (s *state) findLatest(scope budget.Scope) *budget.BudgetPeriod {
	var latest *budget.BudgetPeriod
	for _, p := range s.periods {
		if p.Scope != scope || !isRolling(p) {
			continue
		}
		if latest == nil || p.EndDate.After(latest.EndDate) {
			p := p
			latest = &p
		}
	}
	return latest
}

func (s *state) findPeriod(scope budget.Scope, w budget.Period) *budget.BudgetPeriod {
	id, ok := s.windows[keyOf(scope, w)]
	if !ok {
		return nil
	}
	p := s.periods[id]
	return &p
}

func (s *state) listPeriods(scope budget.Scope) []budget.BudgetPeriod {
	var out []budget.BudgetPeriod
	for _, p := range s.periods {
		if p.Scope == scope {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out
}

func (s *state) insertPeriod(p budget.BudgetPeriod) (budget.BudgetPeriod, bool, error) {
	if err := p.Validate(); err != nil {
		return budget.BudgetPeriod{}, false, err
	}
	k := keyOf(p.Scope, p.Window())
	if id, ok := s.windows[k]; ok {
		return s.periods[id], false, nil
	}
	if _, ok := s.periods[p.ID]; ok {
		return budget.BudgetPeriod{}, false, fmt.Errorf("%w: period id %s", budget.ErrDuplicate, p.ID)
	}
	p.StartDate = p.StartDate.UTC()
	p.EndDate = p.EndDate.UTC()
	p.CreatedAt = p.CreatedAt.UTC()
	s.periods[p.ID] = p
	s.windows[k] = p.ID
	return p, true, nil
}

func (s *state) findHistory(periodID budget.PeriodID, label string) *budget.HistoryEntry {
	id, ok := s.historyIndex[historyKey{PeriodID: periodID, Label: label}]
	if !ok {
		return nil
	}
	h := s.history[id]
	return &h
}

func (s *state) insertHistory(e budget.HistoryEntry) (budget.HistoryEntry, bool, error) {
	if _, ok := s.periods[e.PeriodID]; !ok {
		return budget.HistoryEntry{}, false, fmt.Errorf("%w: %s", budget.ErrPeriodNotFound, e.PeriodID)
	}
	k := historyKey{PeriodID: e.PeriodID, Label: e.PeriodLabel}
	if id, ok := s.historyIndex[k]; ok {
		return s.history[id], false, nil
	}
	e.CreatedAt = e.CreatedAt.UTC()
	s.history[e.ID] = e
	s.historyIndex[k] = e.ID
	return e, true, nil
}

func (s *state) listHistory(periodID budget.PeriodID) []budget.HistoryEntry {
	var out []budget.HistoryEntry
	for _, h := range s.history {
		if h.PeriodID == periodID {
			out = append(out, h)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (s *state) listUnrecorded(scope budget.Scope, closedBy time.Time) []budget.BudgetPeriod {
	recorded := make(map[budget.PeriodID]bool)
	for k := range s.historyIndex {
		recorded[k.PeriodID] = true
	}
	var out []budget.BudgetPeriod
	for _, p := range s.listPeriods(scope) {
		if isRolling(p) && !p.EndDate.After(closedBy) && !recorded[p.ID] {
			out = append(out, p)
		}
	}
	return out
}

func (s *state) clone() state {
	c := state{
		periods:      make(map[budget.PeriodID]budget.BudgetPeriod, len(s.periods)),
		windows:      make(map[windowKey]budget.PeriodID, len(s.windows)),
		history:      make(map[budget.HistoryID]budget.HistoryEntry, len(s.history)),
		historyIndex: make(map[historyKey]budget.HistoryID, len(s.historyIndex)),
		ledger:       append([]budget.LedgerEntry{}, s.ledger...),
		runs:         append([]budget.RunRecord{}, s.runs...),
	}
	for k, v := range s.periods {
		c.periods[k] = v
	}
	for k, v := range s.windows {
		c.windows[k] = v
	}
	for k, v := range s.history {
		c.history[k] = v
	}
	for k, v := range s.historyIndex {
		c.historyIndex[k] = v
	}
	return c
}

// =============================================================================
// STORE
// =============================================================================

func (m *Memory) ListScopeCandidates(_ context.Context) ([]budget.ScopeCandidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listScopeCandidates(), nil
}

func (m *Memory) FindLatestPeriod(_ context.Context, scope budget.Scope) (*budget.BudgetPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findLatest(scope), nil
}

func (m *Memory) FindPeriod(_ context.Context, scope budget.Scope, w budget.Period) (*budget.BudgetPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findPeriod(scope, w), nil
}

func (m *Memory) GetPeriod(_ context.Context, id budget.PeriodID) (*budget.BudgetPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.periods[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", budget.ErrPeriodNotFound, id)
	}
	return &p, nil
}

func (m *Memory) ListPeriods(_ context.Context, scope budget.Scope) ([]budget.BudgetPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listPeriods(scope), nil
}

func (m *Memory) InsertPeriodIfAbsent(_ context.Context, p budget.BudgetPeriod) (budget.BudgetPeriod, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertPeriod(p)
}

func (m *Memory) FindHistory(_ context.Context, periodID budget.PeriodID, label string) (*budget.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.findHistory(periodID, label), nil
}

func (m *Memory) InsertHistoryIfAbsent(_ context.Context, e budget.HistoryEntry) (budget.HistoryEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.insertHistory(e)
}

func (m *Memory) ListHistory(_ context.Context, periodID budget.PeriodID) ([]budget.HistoryEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listHistory(periodID), nil
}

func (m *Memory) ListUnrecordedPeriods(_ context.Context, scope budget.Scope, closedBy time.Time) ([]budget.BudgetPeriod, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listUnrecorded(scope, closedBy), nil
}

// WithTx executes fn within a transaction.
// For memory store, this is simulated with a snapshot + rollback on error.
// The whole store is locked for the duration of fn.
func (m *Memory) WithTx(ctx context.Context, fn func(budget.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshot := m.clone()
	if err := fn(&txMemoryView{s: &m.state}); err != nil {
		m.state = snapshot
		return err
	}
	if err := ctx.Err(); err != nil {
		m.state = snapshot
		return err
	}
	return nil
}

// =============================================================================
// LEDGER
// =============================================================================

func (m *Memory) RecordTransaction(_ context.Context, e budget.LedgerEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.ledger {
		if existing.ID == e.ID {
			return fmt.Errorf("%w: transaction %s", budget.ErrDuplicate, e.ID)
		}
	}
	e.Amount = budget.NewMoney(e.Amount.Value)
	m.ledger = append(m.ledger, e)
	return nil
}

func (m *Memory) SumExpenses(ctx context.Context, q budget.ExpenseQuery) (budget.Money, error) {
	if err := ctx.Err(); err != nil {
		return budget.ZeroMoney, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := budget.ZeroMoney
	for _, e := range m.ledger {
		if e.Matches(q) {
			total = total.Add(e.Amount)
		}
	}
	return total, nil
}

// =============================================================================
// RUN LOG
// =============================================================================

func (m *Memory) SaveRun(_ context.Context, run budget.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, run)
	return nil
}

// ListRuns returns the newest runs first.
func (m *Memory) ListRuns(_ context.Context, limit int) ([]budget.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]budget.RunRecord, 0, len(m.runs))
	for i := len(m.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, m.runs[i])
	}
	return out, nil
}

// =============================================================================
// TRANSACTION VIEW - Runs under the lock held by WithTx
// =============================================================================

type txMemoryView struct {
	s *state
}

func (tv *txMemoryView) ListScopeCandidates(_ context.Context) ([]budget.ScopeCandidate, error) {
	return tv.s.listScopeCandidates(), nil
}

func (tv *txMemoryView) FindLatestPeriod(_ context.Context, scope budget.Scope) (*budget.BudgetPeriod, error) {
	return tv.s.findLatest(scope), nil
}

func (tv *txMemoryView) FindPeriod(_ context.Context, scope budget.Scope, w budget.Period) (*budget.BudgetPeriod, error) {
	return tv.s.findPeriod(scope, w), nil
}

func (tv *txMemoryView) GetPeriod(_ context.Context, id budget.PeriodID) (*budget.BudgetPeriod, error) {
	p, ok := tv.s.periods[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", budget.ErrPeriodNotFound, id)
	}
	return &p, nil
}

func (tv *txMemoryView) ListPeriods(_ context.Context, scope budget.Scope) ([]budget.BudgetPeriod, error) {
	return tv.s.listPeriods(scope), nil
}

func (tv *txMemoryView) InsertPeriodIfAbsent(_ context.Context, p budget.BudgetPeriod) (budget.BudgetPeriod, bool, error) {
	return tv.s.insertPeriod(p)
}

func (tv *txMemoryView) FindHistory(_ context.Context, periodID budget.PeriodID, label string) (*budget.HistoryEntry, error) {
	return tv.s.findHistory(periodID, label), nil
}

func (tv *txMemoryView) InsertHistoryIfAbsent(_ context.Context, e budget.HistoryEntry) (budget.HistoryEntry, bool, error) {
	return tv.s.insertHistory(e)
}

func (tv *txMemoryView) ListHistory(_ context.Context, periodID budget.PeriodID) ([]budget.HistoryEntry, error) {
	return tv.s.listHistory(periodID), nil
}

func (tv *txMemoryView) ListUnrecordedPeriods(_ context.Context, scope budget.Scope, closedBy time.Time) ([]budget.BudgetPeriod, error) {
	return tv.s.listUnrecorded(scope, closedBy), nil
}
