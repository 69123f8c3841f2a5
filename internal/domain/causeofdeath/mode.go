package causeofdeath

// Mode records how the underlying cause was (or will be) determined. Its
// value is what the processed-by field stores.
type Mode string

const (
	ModeUnset     Mode = ""
	ModeAutomatic Mode = "DORIS"
	ModeManual    Mode = "Manual"
)

// ParseMode maps a stored processed-by value to a Mode. Unknown values are
// treated as unset.
func ParseMode(s string) Mode {
	switch Mode(s) {
	case ModeAutomatic:
		return ModeAutomatic
	case ModeManual:
		return ModeManual
	}
	return ModeUnset
}

// Trigger is an event that moves the processing mode.
type Trigger int

const (
	// CodesEdited fires when a line's codes change; the result is stale and
	// awaits automatic computation.
	CodesEdited Trigger = iota
	// ManualSelection fires when the user flags a line directly.
	ManualSelection
	// Computed fires when the coding service returns a stem code.
	Computed
	// ModeChosen fires when the user sets processed-by explicitly.
	ModeChosen
)

// Next returns the mode after trigger fires in mode m. For ModeChosen the
// chosen value wins.
func Next(m Mode, trigger Trigger, chosen Mode) Mode {
	switch trigger {
	case CodesEdited, Computed:
		return ModeAutomatic
	case ManualSelection:
		return ModeManual
	case ModeChosen:
		return chosen
	}
	return m
}

// CanCompute reports whether automatic computation may run in mode m.
func (m Mode) CanCompute() bool { return m != ModeManual }

// UnderlyingCause is the reconciled underlying-cause result of a
// certificate.
type UnderlyingCause struct {
	Code        string `json:"code"`
	Chapter     string `json:"chapter"`
	Group       string `json:"group"`
	Report      string `json:"report"`
	Warning     string `json:"warning"`
	ProcessedBy Mode   `json:"processed_by"`
}
