package billing

import "time"

// ChangeDirection classifies a plan change by price
type ChangeDirection int

const (
	ChangeLateral ChangeDirection = iota
	ChangeUpgrade
	ChangeDowngrade
)

func (d ChangeDirection) String() string {
	switch d {
	case ChangeUpgrade:
		return "upgrade"
	case ChangeDowngrade:
		return "downgrade"
	default:
		return "lateral"
	}
}

// Gateway proration and payment behaviors
const (
	ProrationAlwaysInvoice    = "always_invoice"
	ProrationCreateProrations = "create_prorations"
	PaymentAllowIncomplete    = "allow_incomplete"
)

// ProrationPolicy is how the gateway should charge for a mid-cycle price swap
type ProrationPolicy struct {
	Behavior        string
	Date            *time.Time
	PaymentBehavior string
}

// ClassifyChange compares plan prices
func ClassifyChange(current, target *Plan) ChangeDirection {
	switch {
	case target.PriceMinorUnits > current.PriceMinorUnits:
		return ChangeUpgrade
	case target.PriceMinorUnits < current.PriceMinorUnits:
		return ChangeDowngrade
	default:
		return ChangeLateral
	}
}

// ProrationFor returns the policy for a change in the given direction.
// Upgrades invoice the difference immediately as of now. Downgrades and
// lateral moves carry the credit into the next invoice and let the update
// succeed even if a payment is pending.
func ProrationFor(direction ChangeDirection, now time.Time) ProrationPolicy {
	if direction == ChangeUpgrade {
		return ProrationPolicy{
			Behavior: ProrationAlwaysInvoice,
			Date:     &now,
		}
	}
	return ProrationPolicy{
		Behavior:        ProrationCreateProrations,
		PaymentBehavior: PaymentAllowIncomplete,
	}
}
