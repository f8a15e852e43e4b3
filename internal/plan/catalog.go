// Package plan is the compiled-in plan catalog: tiers, prices, resource
// limits, and feature flags. Pure lookups with no side effects; existing
// subscriptions snapshot these values and are never re-derived from here.
package plan

import (
	"errors"
	"strings"
)

type Plan string

const (
	Free         Plan = "FREE"
	Starter      Plan = "STARTER"
	Professional Plan = "PROFESSIONAL"
	Enterprise   Plan = "ENTERPRISE"
)

type BillingPeriod string

const (
	Monthly BillingPeriod = "MONTHLY"
	Yearly  BillingPeriod = "YEARLY"
)

// Unlimited marks a resource with no quota.
const Unlimited int64 = -1

// Metered resource names. Devices, users, and customers are recomputed live
// from their owning tables; the rest are authoritative counters on the
// subscription row.
const (
	ResourceDevices   = "devices"
	ResourceUsers     = "users"
	ResourceCustomers = "customers"
	ResourceAPICalls  = "apiCalls"
	ResourceStorage   = "storage"
	ResourceSMS       = "smsNotifications"
)

type Limits map[string]int64

type Features map[string]any

// Definition describes one catalog tier. Prices are in minor currency units.
type Definition struct {
	Plan         Plan     `json:"plan"`
	Ordinal      int      `json:"ordinal"`
	MonthlyPrice int64    `json:"monthly_price"`
	YearlyPrice  int64    `json:"yearly_price"`
	Limits       Limits   `json:"limits"`
	Features     Features `json:"features"`
	TrialDays    int      `json:"trial_days"`
}

var (
	ErrUnknownPlan   = errors.New("unknown_plan")
	ErrUnknownPeriod = errors.New("unknown_billing_period")
)

var catalog = map[Plan]Definition{
	Free: {
		Plan:         Free,
		Ordinal:      0,
		MonthlyPrice: 0,
		YearlyPrice:  0,
		Limits: Limits{
			ResourceDevices:   2,
			ResourceUsers:     1,
			ResourceCustomers: 5,
			ResourceAPICalls:  1_000,
			ResourceStorage:   100,
			ResourceSMS:       0,
		},
		Features: Features{
			"analytics":       false,
			"customBranding":  false,
			"apiAccess":       false,
			"exportFormats":   []string{"csv"},
			"supportChannel":  "community",
			"retentionMonths": 1,
		},
		TrialDays: 0,
	},
	Starter: {
		Plan:         Starter,
		Ordinal:      1,
		MonthlyPrice: 2_900,
		YearlyPrice:  29_000,
		Limits: Limits{
			ResourceDevices:   25,
			ResourceUsers:     5,
			ResourceCustomers: 100,
			ResourceAPICalls:  50_000,
			ResourceStorage:   5_000,
			ResourceSMS:       100,
		},
		Features: Features{
			"analytics":       true,
			"customBranding":  false,
			"apiAccess":       true,
			"exportFormats":   []string{"csv", "json"},
			"supportChannel":  "email",
			"retentionMonths": 6,
		},
		TrialDays: 14,
	},
	Professional: {
		Plan:         Professional,
		Ordinal:      2,
		MonthlyPrice: 9_900,
		YearlyPrice:  99_000,
		Limits: Limits{
			ResourceDevices:   250,
			ResourceUsers:     25,
			ResourceCustomers: 1_000,
			ResourceAPICalls:  500_000,
			ResourceStorage:   50_000,
			ResourceSMS:       1_000,
		},
		Features: Features{
			"analytics":       true,
			"customBranding":  true,
			"apiAccess":       true,
			"exportFormats":   []string{"csv", "json", "xlsx"},
			"supportChannel":  "priority",
			"retentionMonths": 24,
		},
		TrialDays: 14,
	},
	Enterprise: {
		Plan:         Enterprise,
		Ordinal:      3,
		MonthlyPrice: 29_900,
		YearlyPrice:  299_000,
		Limits: Limits{
			ResourceDevices:   Unlimited,
			ResourceUsers:     Unlimited,
			ResourceCustomers: Unlimited,
			ResourceAPICalls:  Unlimited,
			ResourceStorage:   Unlimited,
			ResourceSMS:       10_000,
		},
		Features: Features{
			"analytics":       true,
			"customBranding":  true,
			"apiAccess":       true,
			"exportFormats":   []string{"csv", "json", "xlsx", "pdf"},
			"supportChannel":  "dedicated",
			"retentionMonths": 60,
		},
		TrialDays: 30,
	},
}

// Ordinal returns the tier position used to classify plan changes as
// upgrade, renewal, or downgrade. Unknown plans sort below FREE.
func Ordinal(p Plan) int {
	def, ok := catalog[p]
	if !ok {
		return -1
	}
	return def.Ordinal
}

func LimitsFor(p Plan) Limits {
	def, ok := catalog[p]
	if !ok {
		return Limits{}
	}
	out := make(Limits, len(def.Limits))
	for k, v := range def.Limits {
		out[k] = v
	}
	return out
}

func FeaturesFor(p Plan) Features {
	def, ok := catalog[p]
	if !ok {
		return Features{}
	}
	out := make(Features, len(def.Features))
	for k, v := range def.Features {
		out[k] = v
	}
	return out
}

// PriceFor returns the catalog price in minor currency units.
func PriceFor(p Plan, period BillingPeriod) int64 {
	def, ok := catalog[p]
	if !ok {
		return 0
	}
	if period == Yearly {
		return def.YearlyPrice
	}
	return def.MonthlyPrice
}

func TrialDays(p Plan) int {
	return catalog[p].TrialDays
}

// List returns catalog definitions ordered by tier.
func List() []Definition {
	out := make([]Definition, 0, len(catalog))
	for _, p := range []Plan{Free, Starter, Professional, Enterprise} {
		out = append(out, catalog[p])
	}
	return out
}

func Parse(value string) (Plan, error) {
	p := Plan(strings.ToUpper(strings.TrimSpace(value)))
	if _, ok := catalog[p]; !ok {
		return "", ErrUnknownPlan
	}
	return p, nil
}

func ParsePeriod(value string) (BillingPeriod, error) {
	switch BillingPeriod(strings.ToUpper(strings.TrimSpace(value))) {
	case Monthly:
		return Monthly, nil
	case Yearly:
		return Yearly, nil
	default:
		return "", ErrUnknownPeriod
	}
}

// IsUnlimited reports whether a limit value means "no quota".
func IsUnlimited(limit int64) bool { return limit == Unlimited }
