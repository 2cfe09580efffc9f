package authorization

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/riskledger/internal/app/domain/account"
	domain "github.com/R3E-Network/riskledger/internal/app/domain/authorization"
)

// Rule names, as reported in Decision.Rule.
const (
	RuleInsufficientFunds = "insufficient-funds"
	RuleUnderDailyLimit   = "under-daily-limit"
	RuleHighRiskStop      = "high-risk-stop"
	RuleDailyLimitHistory = "daily-limit-history"
)

// RiskStop selects where the high-risk hard stop sits in the rule order.
type RiskStop string

const (
	// RiskStopGuarded applies the hard stop only once the daily limit is
	// reached. This is the default.
	RiskStopGuarded RiskStop = "guarded"
	// RiskStopUnguarded applies the hard stop before the daily-limit fast
	// path, so a flagged account is stopped on every debit.
	RiskStopUnguarded RiskStop = "unguarded"
)

// ParseRiskStop validates a configured policy name.
func ParseRiskStop(raw string) (RiskStop, error) {
	switch RiskStop(strings.ToLower(strings.TrimSpace(raw))) {
	case "", RiskStopGuarded:
		return RiskStopGuarded, nil
	case RiskStopUnguarded:
		return RiskStopUnguarded, nil
	default:
		return "", fmt.Errorf("unknown risk stop policy %q", raw)
	}
}

// Policy holds the thresholds the rules are built from.
type Policy struct {
	DailyLimit      int
	RiskThreshold   int
	MaxAbortsPerDay int
	RiskStop        RiskStop
}

// DefaultPolicy returns the production thresholds.
func DefaultPolicy() Policy {
	return Policy{
		DailyLimit:      5,
		RiskThreshold:   80,
		MaxAbortsPerDay: 2,
		RiskStop:        RiskStopGuarded,
	}
}

// Input is everything a rule may look at.
type Input struct {
	Account account.Account
	Amount  decimal.Decimal
	// Today is midnight UTC of the evaluation date.
	Today time.Time
}

// Rule is one step of the decision list. Evaluate reports false when the rule
// does not apply and evaluation should continue with the next rule.
type Rule struct {
	Name     string
	Evaluate func(Input) (domain.Decision, bool)
}

// Rules builds the ordered rule list for p. The last rule matches every input.
func Rules(p Policy) []Rule {
	funds := Rule{Name: RuleInsufficientFunds, Evaluate: func(in Input) (domain.Decision, bool) {
		if in.Account.Balance.LessThan(in.Amount) {
			return domain.Reject(RuleInsufficientFunds, domain.ReasonInsufficientFunds), true
		}
		return domain.Decision{}, false
	}}

	underLimit := Rule{Name: RuleUnderDailyLimit, Evaluate: func(in Input) (domain.Decision, bool) {
		if in.Account.DailyTransactionCount < p.DailyLimit {
			return domain.Approve(RuleUnderDailyLimit, domain.ReasonAuthorizedUnderDailyLimit), true
		}
		return domain.Decision{}, false
	}}

	riskStop := Rule{Name: RuleHighRiskStop, Evaluate: func(in Input) (domain.Decision, bool) {
		if in.Account.LastTransactionRiskValue > float64(p.RiskThreshold) && in.Account.HighRiskAbortedCount > 0 {
			return domain.Reject(RuleHighRiskStop, domain.ReasonRiskTooHigh), true
		}
		return domain.Decision{}, false
	}}

	history := Rule{Name: RuleDailyLimitHistory, Evaluate: func(in Input) (domain.Decision, bool) {
		return evaluateHistory(p, in), true
	}}

	if p.RiskStop == RiskStopUnguarded {
		return []Rule{funds, riskStop, underLimit, history}
	}
	return []Rule{funds, underLimit, riskStop, history}
}

func evaluateHistory(p Policy, in Input) domain.Decision {
	raw := strings.TrimSpace(in.Account.LastTransactionDate)
	if raw == "" {
		return domain.Approve(RuleDailyLimitHistory, domain.ReasonAuthorizedNoPriorHistory)
	}
	last, err := account.ParseTransactionDate(raw)
	if err != nil {
		return domain.Reject(RuleDailyLimitHistory, domain.ReasonInvalidDateFormat)
	}
	if last.Equal(in.Today) {
		if in.Account.HighRiskAbortedCount >= p.MaxAbortsPerDay {
			return domain.Reject(RuleDailyLimitHistory, domain.ReasonTooManyRiskAbortsToday)
		}
		return domain.Approve(RuleDailyLimitHistory, domain.ReasonAuthorizedDespiteDailyLimit)
	}
	// A date in the future is treated like any other non-today date.
	return domain.Approve(RuleDailyLimitHistory, domain.ReasonAuthorizedNewDay)
}
