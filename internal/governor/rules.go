package governor

import (
	"fmt"
	"time"

	"github.com/opsloop/controlplane/internal/models"
)

// Canonical approver roles.
const (
	RoleFounder  = "founder"
	RoleOperator = "operator"
	RoleAuditor  = "auditor"
)

// Thresholds for the built-in rule set. Monetary values are integer cents.
const (
	PayoutRiskScoreThreshold = 0.7
	RefundApprovalCentsMax   = int64(50_000) // $500
	PricingMarginFloor       = 0.15
	AdSpendMinCashRunwayDays = 30.0
	AdSpendMinRoas           = 2.0
)

func builtInRules() []Rule {
	return []Rule{
		{
			Name:     "payout_reconciliation",
			Actions:  []string{"process_payout"},
			Severity: models.IncidentSeverityHigh,
			Check: func(data map[string]interface{}) Verdict {
				if !boolField(data, "reconciled") {
					return Deny("payout blocked: ledger reconciliation incomplete")
				}
				return Allow()
			},
		},
		{
			Name:         "payout_risk",
			Actions:      []string{"process_payout"},
			ApproverRole: RoleFounder,
			Check: func(data map[string]interface{}) Verdict {
				if risk, ok := numField(data, "riskScore"); ok && risk > PayoutRiskScoreThreshold {
					return Approve(fmt.Sprintf("payout risk score %.2f exceeds %.2f", risk, PayoutRiskScoreThreshold))
				}
				return Allow()
			},
		},
		{
			Name:         "refund_threshold",
			Actions:      []string{"process_refund", "issue_refund"},
			ApproverRole: RoleFounder,
			Check: func(data map[string]interface{}) Verdict {
				if cents, ok := numField(data, "amountCents"); ok && int64(cents) > RefundApprovalCentsMax {
					return Approve(fmt.Sprintf("refund of %d cents exceeds auto-approve limit %d", int64(cents), RefundApprovalCentsMax))
				}
				return Allow()
			},
		},
		{
			Name:     "pricing_margin",
			Actions:  []string{"update_pricing", "pricing"},
			Severity: models.IncidentSeverityMedium,
			Check: func(data map[string]interface{}) Verdict {
				if margin, ok := numField(data, "marginPercent"); ok && margin < PricingMarginFloor {
					return Deny(fmt.Sprintf("margin %.1f%% below %.0f%% floor", margin*100, PricingMarginFloor*100))
				}
				return Allow()
			},
		},
		{
			Name:     "ad_spend_guard",
			Actions:  []string{"increase_ad_spend", "ad_spend"},
			Severity: models.IncidentSeverityMedium,
			Check: func(data map[string]interface{}) Verdict {
				change, _ := numField(data, "change")
				if change <= 0 {
					// decreases and holds are always safe to spend-guard
					return Allow()
				}
				if runway, ok := numField(data, "cashRunwayDays"); ok && runway < AdSpendMinCashRunwayDays {
					return Deny(fmt.Sprintf("ad spend increase blocked: cash runway %.0f days below %.0f", runway, AdSpendMinCashRunwayDays))
				}
				if roas, ok := numField(data, "roas"); ok && roas < AdSpendMinRoas {
					return Deny(fmt.Sprintf("ad spend increase blocked: ROAS %.2f below %.2f", roas, AdSpendMinRoas))
				}
				return Allow()
			},
		},
	}
}

// numField extracts a numeric field from an untyped payload. JSON decoding
// yields float64; native callers may pass ints.
func numField(data map[string]interface{}, key string) (float64, bool) {
	v, ok := data[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func boolField(data map[string]interface{}, key string) bool {
	v, ok := data[key]
	if !ok {
		return false
	}
	b, ok := v.(bool)
	return ok && b
}

func nowUTC() time.Time { return time.Now().UTC() }
