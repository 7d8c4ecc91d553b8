package flow

import "github.com/entrhq/browseract/pkg/browser"

// Indicator is the small status badge shown next to a node.
type Indicator struct {
	Fill  string `json:"fill,omitempty"`
	Shape string `json:"shape,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Indicator fills and shapes
const (
	FillGreen  = "green"
	FillYellow = "yellow"
	FillRed    = "red"
	ShapeDot   = "dot"
	ShapeRing  = "ring"
)

// IsZero reports whether the indicator is cleared.
func (i Indicator) IsZero() bool {
	return i == Indicator{}
}

// PhaseIndicator renders a session phase.
func PhaseIndicator(p browser.Phase) Indicator {
	switch p {
	case browser.PhaseReady:
		return Indicator{Fill: FillGreen, Shape: ShapeDot, Text: "connected"}
	case browser.PhaseBusy:
		return Indicator{Fill: FillGreen, Shape: ShapeRing, Text: "busy"}
	case browser.PhaseLaunching:
		return Indicator{Fill: FillYellow, Shape: ShapeRing, Text: "launching"}
	case browser.PhaseError:
		return Indicator{Fill: FillRed, Shape: ShapeRing, Text: "error"}
	default:
		return Indicator{}
	}
}

var (
	successIndicator  = Indicator{Fill: FillGreen, Shape: ShapeDot, Text: "success"}
	errorIndicator    = Indicator{Fill: FillRed, Shape: ShapeRing, Text: "error"}
	noConfigIndicator = Indicator{Fill: FillRed, Shape: ShapeRing, Text: "error: no config"}
)
