package authorization

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/riskledger/internal/app/domain/account"
	domain "github.com/R3E-Network/riskledger/internal/app/domain/authorization"
)

// Engine evaluates debits against an ordered rule list. The first rule that
// matches decides. Evaluate has no side effects.
type Engine struct {
	policy Policy
	rules  []Rule
}

// NewEngine builds an engine for p.
func NewEngine(p Policy) *Engine {
	return &Engine{policy: p, rules: Rules(p)}
}

// Policy returns the thresholds the engine was built with.
func (e *Engine) Policy() Policy { return e.policy }

// Evaluate decides whether acct may be debited amount at instant now.
func (e *Engine) Evaluate(acct account.Account, amount decimal.Decimal, now time.Time) domain.Decision {
	in := Input{Account: acct, Amount: amount, Today: dayOf(now)}
	for _, rule := range e.rules {
		if decision, ok := rule.Evaluate(in); ok {
			return decision
		}
	}
	// unreachable: the history rule matches every input
	return domain.Reject(RuleDailyLimitHistory, domain.ReasonInvalidDateFormat)
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
