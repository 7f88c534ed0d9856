/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Seeds budget periods and ledger entries that show specific engine
	behaviours. Load one, then POST /api/reconciliation/run with an as_of
	to watch periods and history appear.

AVAILABLE SCENARIOS:

	may-june-july:   Registered member, surplus then deficit carried
	custodial-kid:   Allowance of a custodial member overspent
	missed-months:   Dormant scope, several periods caught up in one pass
	refresh-day-31:  Payday on the 31st, clamped in short months

HOW SCENARIOS WORK:
 1. Insert the first period of each scope (insert-or-noop)
 2. Record the ledger entries with fixed IDs

Loading a scenario twice changes nothing. Scenarios never delete data.

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "may-june-july"}

ADDING NEW SCENARIOS:
 1. Add to 'scenarios' with ID, name, description and suggested as_of
 2. Create a seed function returning the periods and entries
 3. Register it in 'scenarioSeeds'
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/warp/budget-engine/budget"
)

// ScenarioDTO describes a demo scenario.
type ScenarioDTO struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	SuggestedAt time.Time `json:"suggested_as_of"`
}

// LoadScenarioRequest selects a scenario.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// LoadScenarioResponse reports what a load inserted.
type LoadScenarioResponse struct {
	Scenario       ScenarioDTO `json:"scenario"`
	PeriodsCreated int         `json:"periods_created"`
	EntriesCreated int         `json:"entries_created"`
}

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "may-june-july",
		Name:        "May, June, July",
		Description: "1000 per month: 800 spent in May carries +200, 1300 spent in June carries -100",
		SuggestedAt: utcDate(2025, time.July, 3),
	},
	{
		ID:          "custodial-kid",
		Name:        "Custodial Member",
		Description: "A child without login spends 60 of a 50 allowance",
		SuggestedAt: utcDate(2025, time.June, 5),
	},
	{
		ID:          "missed-months",
		Name:        "Missed Months",
		Description: "No pass ran since January; one pass creates every month up to June",
		SuggestedAt: utcDate(2025, time.June, 10),
	},
	{
		ID:          "refresh-day-31",
		Name:        "Refresh Day 31",
		Description: "Budget refreshing on the 31st: Jan 31, Feb 28, Mar 31",
		SuggestedAt: utcDate(2025, time.April, 1),
	},
}

type scenarioSeed struct {
	periods []budget.BudgetPeriod
	entries []budget.LedgerEntry
}

var scenarioSeeds = map[string]func() scenarioSeed{
	"may-june-july":  mayJuneJulySeed,
	"custodial-kid":  custodialKidSeed,
	"missed-months":  missedMonthsSeed,
	"refresh-day-31": refreshDay31Seed,
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario seeds a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if h.Ledger == nil {
		writeError(w, http.StatusNotImplemented, "ledger is read-only", nil)
		return
	}

	resp, err := h.loadScenario(r.Context(), req.ScenarioID)
	if err != nil {
		if errors.Is(err, errUnknownScenario) {
			writeError(w, http.StatusNotFound, "unknown scenario", err)
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to load scenario", err)
		return
	}

	h.Logger.Info().
		Str("scenario", req.ScenarioID).
		Int("periods_created", resp.PeriodsCreated).
		Int("entries_created", resp.EntriesCreated).
		Msg("scenario loaded")
	writeJSON(w, http.StatusOK, resp)
}

var errUnknownScenario = errors.New("unknown scenario")

func (h *Handler) loadScenario(ctx context.Context, id string) (LoadScenarioResponse, error) {
	seedFn, ok := scenarioSeeds[id]
	if !ok {
		return LoadScenarioResponse{}, fmt.Errorf("%w: %q", errUnknownScenario, id)
	}
	resp := LoadScenarioResponse{}
	for _, s := range scenarios {
		if s.ID == id {
			resp.Scenario = s
		}
	}

	seed := seedFn()
	for _, p := range seed.periods {
		_, created, err := h.Store.InsertPeriodIfAbsent(ctx, p)
		if err != nil {
			return resp, fmt.Errorf("insert period %s: %w", p.Window(), err)
		}
		if created {
			resp.PeriodsCreated++
		}
	}
	for _, e := range seed.entries {
		err := h.Ledger.RecordTransaction(ctx, e)
		switch {
		case errors.Is(err, budget.ErrDuplicate):
		case err != nil:
			return resp, fmt.Errorf("record transaction %s: %w", e.ID, err)
		default:
			resp.EntriesCreated++
		}
	}
	return resp, nil
}

// =============================================================================
// SCENARIO SEEDS
// =============================================================================

func mayJuneJulySeed() scenarioSeed {
	parent := budget.Registered("demo-family", "parent")
	return scenarioSeed{
		periods: []budget.BudgetPeriod{
			demoPeriod(parent, "Household", budget.PeriodMonthly, 1,
				utcDate(2025, time.May, 1), utcDate(2025, time.June, 1), "1000"),
		},
		entries: []budget.LedgerEntry{
			demoExpense("mjj-1", parent, utcDate(2025, time.May, 12), "500"),
			demoExpense("mjj-2", parent, utcDate(2025, time.May, 28), "300"),
			demoExpense("mjj-3", parent, utcDate(2025, time.June, 15), "1300"),
		},
	}
}

func custodialKidSeed() scenarioSeed {
	kid := budget.Custodial("demo-family", "kid")
	return scenarioSeed{
		periods: []budget.BudgetPeriod{
			demoPeriod(kid, "Allowance", budget.PeriodMonthly, 1,
				utcDate(2025, time.May, 1), utcDate(2025, time.June, 1), "50"),
		},
		entries: []budget.LedgerEntry{
			demoExpense("kid-1", kid, utcDate(2025, time.May, 3), "35"),
			demoExpense("kid-2", kid, utcDate(2025, time.May, 24), "25"),
		},
	}
}

func missedMonthsSeed() scenarioSeed {
	sam := budget.Registered("demo-dormant", "sam")
	entries := []budget.LedgerEntry{}
	for m := time.January; m <= time.May; m++ {
		entries = append(entries, demoExpense(fmt.Sprintf("dormant-%d", m), sam, utcDate(2025, m, 15), "250"))
	}
	return scenarioSeed{
		periods: []budget.BudgetPeriod{
			demoPeriod(sam, "Groceries", budget.PeriodMonthly, 1,
				utcDate(2025, time.January, 1), utcDate(2025, time.February, 1), "300"),
		},
		entries: entries,
	}
}

func refreshDay31Seed() scenarioSeed {
	pat := budget.Registered("demo-payday", "pat")
	return scenarioSeed{
		periods: []budget.BudgetPeriod{
			demoPeriod(pat, "Salary month", budget.PeriodMonthly, 31,
				utcDate(2024, time.December, 31), utcDate(2025, time.January, 31), "2000"),
		},
		entries: []budget.LedgerEntry{
			demoExpense("payday-1", pat, utcDate(2025, time.January, 30), "1900"),
			demoExpense("payday-2", pat, utcDate(2025, time.February, 28), "2500"),
		},
	}
}

func demoPeriod(scope budget.Scope, name string, pt budget.PeriodType, refreshDay int, start, end time.Time, amount string) budget.BudgetPeriod {
	return budget.BudgetPeriod{
		ID:              budget.NewPeriodID(),
		Scope:           scope,
		Name:            name,
		BudgetType:      budget.BudgetPersonal,
		PeriodType:      pt,
		RefreshDay:      refreshDay,
		StartDate:       start,
		EndDate:         end,
		Amount:          budget.MustParseMoney(amount),
		RolloverAmount:  budget.ZeroMoney,
		RolloverEnabled: true,
		CreatedAt:       start,
	}
}

func demoExpense(id string, scope budget.Scope, at time.Time, amount string) budget.LedgerEntry {
	return budget.LedgerEntry{
		ID:             "demo-" + id,
		AccountBookID:  scope.AccountBookID,
		UserID:         scope.UserID(),
		FamilyMemberID: scope.CustodialMemberID(),
		Type:           budget.EntryExpense,
		Amount:         budget.MustParseMoney(amount),
		Date:           at,
		Description:    "demo expense",
	}
}

func utcDate(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
