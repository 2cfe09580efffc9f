package authorization

// Reason is the stable code attached to every authorization decision.
type Reason string

const (
	ReasonInsufficientFunds           Reason = "INSUFFICIENT_FUNDS"
	ReasonAuthorizedUnderDailyLimit   Reason = "AUTHORIZED_UNDER_DAILY_LIMIT"
	ReasonRiskTooHigh                 Reason = "RISK_TOO_HIGH"
	ReasonAuthorizedNoPriorHistory    Reason = "AUTHORIZED_NO_PRIOR_HISTORY"
	ReasonTooManyRiskAbortsToday      Reason = "TOO_MANY_RISK_ABORTS_TODAY"
	ReasonAuthorizedDespiteDailyLimit Reason = "AUTHORIZED_DESPITE_DAILY_LIMIT"
	ReasonAuthorizedNewDay            Reason = "AUTHORIZED_NEW_DAY"
	ReasonInvalidDateFormat           Reason = "INVALID_DATE_FORMAT"
)

var messages = map[Reason]string{
	ReasonInsufficientFunds:           "Insufficient funds",
	ReasonAuthorizedUnderDailyLimit:   "Transaction authorized",
	ReasonRiskTooHigh:                 "Risk too high",
	ReasonAuthorizedNoPriorHistory:    "Transaction authorized (no prior transaction date)",
	ReasonTooManyRiskAbortsToday:      "Too many high-risk aborts today",
	ReasonAuthorizedDespiteDailyLimit: "Transaction authorized despite daily limit",
	ReasonAuthorizedNewDay:            "Transaction authorized (new day)",
	ReasonInvalidDateFormat:           "Invalid date format for last transaction",
}

// Message returns the human readable text for r.
func (r Reason) Message() string {
	if m, ok := messages[r]; ok {
		return m
	}
	return string(r)
}

// IsRiskRejection reports whether r rejects a debit for risk reasons, which
// increments the account's abort counter.
func (r Reason) IsRiskRejection() bool {
	return r == ReasonRiskTooHigh || r == ReasonTooManyRiskAbortsToday
}

// Decision is the outcome of evaluating one debit request.
type Decision struct {
	Approved bool   `json:"approved"`
	Reason   Reason `json:"reason"`
	Rule     string `json:"rule"`
}

// Approve builds an approving decision.
func Approve(rule string, reason Reason) Decision {
	return Decision{Approved: true, Reason: reason, Rule: rule}
}

// Reject builds a rejecting decision.
func Reject(rule string, reason Reason) Decision {
	return Decision{Approved: false, Reason: reason, Rule: rule}
}
