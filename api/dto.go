/*
dto.go - Data Transfer Objects for the admin API

PURPOSE:
  JSON shapes of the admin API. Amounts are decimal strings with two
  places ("1200.00", "-100.00"); dates are RFC 3339 in UTC.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Done in handlers; DTOs are pure data carriers.
*/
package api

import (
	"time"

	"github.com/warp/budget-engine/budget"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// ScopeDTO identifies an owner within an account book.
type ScopeDTO struct {
	AccountBookID string `json:"account_book_id"`
	Kind          string `json:"kind"`
	OwnerID       string `json:"owner_id"`
	Key           string `json:"key"`
}

// ScopesResponse is the resolver view of every scope.
type ScopesResponse struct {
	Scopes   []ScopeDTO `json:"scopes"`
	Rejected []string   `json:"rejected"`
}

// PeriodDTO is one budget period.
type PeriodDTO struct {
	ID              string    `json:"id"`
	Scope           ScopeDTO  `json:"scope"`
	Name            string    `json:"name"`
	CategoryID      string    `json:"category_id,omitempty"`
	BudgetType      string    `json:"budget_type"`
	PeriodType      string    `json:"period_type"`
	RefreshDay      int       `json:"refresh_day"`
	StartDate       time.Time `json:"start_date"`
	EndDate         time.Time `json:"end_date"`
	Amount          string    `json:"amount"`
	RolloverAmount  string    `json:"rollover_amount"`
	RolloverEnabled bool      `json:"rollover_enabled"`
	Available       string    `json:"available"`
}

// HistoryDTO is one closed-period entry.
type HistoryDTO struct {
	ID               string    `json:"id"`
	PeriodID         string    `json:"period_id"`
	PeriodLabel      string    `json:"period_label"`
	Type             string    `json:"type"`
	Amount           string    `json:"amount"`
	BudgetAmount     string    `json:"budget_amount"`
	SpentAmount      string    `json:"spent_amount"`
	PreviousRollover string    `json:"previous_rollover"`
	CarriedAmount    string    `json:"carried_amount"`
	Description      string    `json:"description"`
	CreatedAt        time.Time `json:"created_at"`
}

// RecordHistoryResponse is returned by manual historization.
type RecordHistoryResponse struct {
	Created bool       `json:"created"`
	Entry   HistoryDTO `json:"entry"`
}

// RunRequest triggers a reconciliation pass. AsOf defaults to now.
type RunRequest struct {
	AsOf *time.Time `json:"as_of,omitempty"`
}

// RunDTO is a stored reconciliation run.
type RunDTO struct {
	ID              string    `json:"id"`
	AsOf            time.Time `json:"as_of"`
	Status          string    `json:"status"`
	ScopesProcessed int       `json:"scopes_processed"`
	PeriodsCreated  int       `json:"periods_created"`
	HistoryRecorded int       `json:"history_recorded"`
	Errors          []string  `json:"errors"`
	StartedAt       time.Time `json:"started_at"`
	CompletedAt     time.Time `json:"completed_at"`
}

// CreateTransactionRequest seeds the ledger.
type CreateTransactionRequest struct {
	ID             string    `json:"id,omitempty"`
	AccountBookID  string    `json:"account_book_id"`
	UserID         string    `json:"user_id,omitempty"`
	FamilyMemberID string    `json:"family_member_id,omitempty"`
	CategoryID     string    `json:"category_id,omitempty"`
	Type           string    `json:"type"`
	Amount         string    `json:"amount"`
	Date           time.Time `json:"date"`
	Description    string    `json:"description,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toScopeDTO(s budget.Scope) ScopeDTO {
	return ScopeDTO{
		AccountBookID: s.AccountBookID,
		Kind:          string(s.Kind),
		OwnerID:       s.OwnerID,
		Key:           s.String(),
	}
}

func toPeriodDTO(p budget.BudgetPeriod) PeriodDTO {
	return PeriodDTO{
		ID:              string(p.ID),
		Scope:           toScopeDTO(p.Scope),
		Name:            p.Name,
		CategoryID:      p.CategoryID,
		BudgetType:      string(p.BudgetType),
		PeriodType:      string(p.PeriodType),
		RefreshDay:      p.RefreshDay,
		StartDate:       p.StartDate,
		EndDate:         p.EndDate,
		Amount:          p.Amount.String(),
		RolloverAmount:  p.RolloverAmount.String(),
		RolloverEnabled: p.RolloverEnabled,
		Available:       p.Available().String(),
	}
}

func toHistoryDTO(e budget.HistoryEntry) HistoryDTO {
	return HistoryDTO{
		ID:               string(e.ID),
		PeriodID:         string(e.PeriodID),
		PeriodLabel:      e.PeriodLabel,
		Type:             string(e.Type),
		Amount:           e.Amount.String(),
		BudgetAmount:     e.BudgetAmount.String(),
		SpentAmount:      e.SpentAmount.String(),
		PreviousRollover: e.PreviousRollover.String(),
		CarriedAmount:    e.CarriedAmount.String(),
		Description:      e.Description,
		CreatedAt:        e.CreatedAt,
	}
}

func toRunDTO(r budget.RunRecord) RunDTO {
	errs := r.Errors
	if errs == nil {
		errs = []string{}
	}
	return RunDTO{
		ID:              r.ID,
		AsOf:            r.AsOf,
		Status:          string(r.Status),
		ScopesProcessed: r.ScopesProcessed,
		PeriodsCreated:  r.PeriodsCreated,
		HistoryRecorded: r.HistoryRecorded,
		Errors:          errs,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
	}
}
