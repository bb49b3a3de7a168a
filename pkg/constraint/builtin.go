package constraint

import "github.com/rodcoding123/helix-sub009/pkg/contracts"

// Built-in rule IDs.
const (
	RuleNoSpend            = "hard.no_spend"
	RuleNoIrreversibleWipe = "hard.no_irreversible_deletion"
	RuleApprovedContacts   = "hard.approved_contacts_only"
	RuleQuietHours         = "soft.quiet_hours"
	RuleDailyActionCap     = "soft.daily_action_cap"
	RuleCalendarShiftCap   = "soft.calendar_shift_cap"
)

// BuiltinHardRules returns the constitution: rules that no autonomy level or
// override can bypass.
func BuiltinHardRules() []HardRule {
	return []HardRule{
		{
			ID:          RuleNoSpend,
			Scope:       contracts.ActionPayment,
			Description: "never spend money",
			// A payment with an unknown amount is still a spend intent.
			Expr: `!has(payload.amount) || double(payload.amount) > 0.0`,
		},
		{
			ID:          RuleNoIrreversibleWipe,
			Scope:       contracts.ActionDataDeletion,
			Description: "never delete data irreversibly without explicit confirmation",
			Expr: `(has(payload.irreversible) && payload.irreversible == true) &&
				!(has(payload.confirmed) && payload.confirmed == true)`,
		},
		{
			ID:          RuleApprovedContacts,
			Scope:       contracts.ActionMessageSend,
			Description: "never contact parties outside the approved contact list",
			Expr: `!(has(payload.recipient) && has(profile.approved_contacts) &&
				payload.recipient in profile.approved_contacts)`,
		},
	}
}

// BuiltinSoftRules returns the default adjustable rules. All are overridable
// per profile.
func BuiltinSoftRules() []SoftRule {
	return []SoftRule{
		{
			ID:          RuleQuietHours,
			Scope:       contracts.ScopeAll,
			Description: "no actions during quiet hours (22:00-07:00)",
			Expr:        `hour >= 22 || hour < 7`,
			Overridable: true,
		},
		{
			ID:          RuleDailyActionCap,
			Scope:       contracts.ScopeAll,
			Description: "more than 50 actions in one day",
			Expr:        `daily_count >= 50`,
			Overridable: true,
		},
		{
			ID:          RuleCalendarShiftCap,
			Scope:       contracts.ActionCalendarModification,
			Description: "calendar change larger than 1 hour",
			Expr:        `has(payload.shift_minutes) && int(payload.shift_minutes) > 60`,
			Overridable: true,
		},
	}
}
