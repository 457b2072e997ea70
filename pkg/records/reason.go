package records

import "fmt"

// ReasonCode is the enumerated outcome of a policy evaluation. The numeric
// values are stable wire values; clients and the preflight mirror depend on
// them verbatim.
type ReasonCode uint16

const (
	ReasonOK                   ReasonCode = 1
	ReasonBudgetExceeded       ReasonCode = 2
	ReasonCooldown             ReasonCode = 3
	ReasonInvalidAmount        ReasonCode = 4
	ReasonPaused               ReasonCode = 5
	ReasonRecipientNotAllowed  ReasonCode = 6
	ReasonRecipientCapExceeded ReasonCode = 7
)

var reasonLabels = map[ReasonCode]string{
	ReasonOK:                   "OK",
	ReasonBudgetExceeded:       "BUDGET_EXCEEDED",
	ReasonCooldown:             "COOLDOWN",
	ReasonInvalidAmount:        "INVALID_AMOUNT",
	ReasonPaused:               "PAUSED",
	ReasonRecipientNotAllowed:  "RECIPIENT_NOT_ALLOWED",
	ReasonRecipientCapExceeded: "RECIPIENT_CAP_EXCEEDED",
}

func (r ReasonCode) String() string {
	if label, ok := reasonLabels[r]; ok {
		return label
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint16(r))
}

// Valid reports whether r is a known wire value.
func (r ReasonCode) Valid() bool {
	_, ok := reasonLabels[r]
	return ok
}
