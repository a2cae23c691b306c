package allocation

import (
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// WORKING CAPITAL MODE - Tagged union resolved once per row
// =============================================================================

// ModeKind is the working-capital strategy tag.
type ModeKind string

const (
	// ModeOptimize: actual spend plus whatever top-up keeps the projected
	// closing balance at or above the minimum buffer. The default.
	ModeOptimize ModeKind = "OPTIMIZE"

	// ModeModel: amount fixed to the active budget scenario's benchmark.
	ModeModel ModeKind = "MODEL"

	// ModeManual: amount typed in by the user. Never stored as a mode;
	// derived from a non-nil OverrideAmount.
	ModeManual ModeKind = "MANUAL"
)

// ParseModeKind accepts the two storable modes, case-insensitively.
func ParseModeKind(s string) (ModeKind, error) {
	switch ModeKind(strings.ToUpper(strings.TrimSpace(s))) {
	case ModeOptimize:
		return ModeOptimize, nil
	case ModeModel:
		return ModeModel, nil
	default:
		return "", NewValidationError("mode", s, "must be MODEL or OPTIMIZE")
	}
}

// WorkingCapitalMode is Optimize | Model | Manual(Amount).
// Amount is meaningful only when Kind is ModeManual.
type WorkingCapitalMode struct {
	Kind   ModeKind
	Amount decimal.Decimal
}

func Optimize() WorkingCapitalMode { return WorkingCapitalMode{Kind: ModeOptimize} }
func Model() WorkingCapitalMode    { return WorkingCapitalMode{Kind: ModeModel} }
func Manual(amount decimal.Decimal) WorkingCapitalMode {
	return WorkingCapitalMode{Kind: ModeManual, Amount: amount}
}

func (m WorkingCapitalMode) String() string {
	if m.Kind == ModeManual {
		return string(m.Kind) + "(" + m.Amount.String() + ")"
	}
	return string(m.Kind)
}

// ResolveMode maps a (possibly absent) working-capital override to its mode.
//
//	OverrideAmount set          -> Manual(amount)
//	Mode == MODEL               -> Model
//	Mode == OPTIMIZE / nil / no -> Optimize
func ResolveMode(o *Override) WorkingCapitalMode {
	if o == nil {
		return Optimize()
	}
	if o.OverrideAmount != nil {
		return Manual(*o.OverrideAmount)
	}
	if o.Mode != nil && *o.Mode == ModeModel {
		return Model()
	}
	return Optimize()
}
