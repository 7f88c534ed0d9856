package budget

// =============================================================================
// ROLLOVER CALCULATOR
// =============================================================================
//
// outgoing = amount + incoming - spent
//
// Positive or zero is a SURPLUS, negative a DEFICIT. Every operand is
// normalised by NewMoney first so the stored carry of period N+1 equals the
// history of period N to the cent, however long the chain.

// ComputeRollover returns the signed balance a period closes with.
func ComputeRollover(amount, incoming, spent Money) Money {
	return NewMoney(amount.Value).
		Add(NewMoney(incoming.Value)).
		Sub(NewMoney(spent.Value))
}

// TypeOf classifies a signed rollover.
func TypeOf(outgoing Money) RolloverType {
	if outgoing.IsNegative() {
		return RolloverDeficit
	}
	return RolloverSurplus
}

// RolloverPolicy decides what a closed period carries forward.
type RolloverPolicy struct {
	// ForgiveDeficits floors the carried amount at zero. History still
	// records the deficit.
	ForgiveDeficits bool
}

// Rollover is the outcome of closing one period.
type Rollover struct {
	Outgoing Money        // raw amount + incoming - spent
	Carried  Money        // seeded into the next period
	Type     RolloverType // sign of Outgoing
	Amount   Money        // |Outgoing|
}

// Apply computes the rollover of a closed period that spent spent.
func (rp RolloverPolicy) Apply(p BudgetPeriod, spent Money) Rollover {
	out := ComputeRollover(p.Amount, p.RolloverAmount, spent)
	r := Rollover{
		Outgoing: out,
		Carried:  out,
		Type:     TypeOf(out),
		Amount:   out.Abs(),
	}
	switch {
	case !p.RolloverEnabled:
		r.Carried = ZeroMoney
	case rp.ForgiveDeficits && out.IsNegative():
		r.Carried = ZeroMoney
	}
	return r
}
