// Package deathform applies the business rules of the death notification
// form: profile reconciliation, cause-of-death editing, underlying cause
// selection and field visibility. Every operation reads the case, derives
// the full cascade of writes and commits it to the store in one batch.
package deathform

import (
	"errors"

	"github.com/crvs/deathform/internal/domain/causeofdeath"
	"github.com/crvs/deathform/internal/domain/tracker"
)

var (
	ErrEnrollmentCompleted = errors.New("enrollment is completed")
	ErrUnknownField        = errors.New("unknown form field")
	ErrManagedField        = errors.New("field is maintained by the cause of death rules")
	ErrFieldLocked         = errors.New("field is locked")
	ErrInvalidValue        = errors.New("invalid value")
	ErrManualMode          = errors.New("underlying cause is selected manually")
	ErrManualModeRequired  = errors.New("processed by must be Manual to select the underlying cause")
	ErrUnderlyingLocked    = errors.New("another line is already flagged underlying")
	ErrEmptySlot           = errors.New("cause of death line has no codes")
	ErrNotUnderlying       = errors.New("cause of death line is not flagged underlying")
	ErrNoCauses            = errors.New("no cause of death codes recorded")
)

// Notice levels.
const (
	LevelError   = "error"
	LevelWarning = "warning"
)

// Notice is a user-facing message produced by a rule.
type Notice struct {
	Field   string `json:"field"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Selection is a code the user may pick as the underlying cause of a
// manually flagged line.
type Selection struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Update is the outcome of one form action: the committed writes, keyed by
// store id, and anything the form should show.
type Update struct {
	Changes    tracker.Changes `json:"changes"`
	Notices    []Notice        `json:"notices,omitempty"`
	Selections []Selection     `json:"selections,omitempty"`
	// Discarded is set when a coding service answer arrived after the
	// certificate changed and was dropped.
	Discarded bool `json:"discarded,omitempty"`
}

// CreateCaseRequest opens a notification. Attributes are keyed by
// semantic name.
type CreateCaseRequest struct {
	TrackedEntity  string            `json:"tracked_entity"`
	EnrollmentDate string            `json:"enrollment_date"`
	IncidentDate   string            `json:"incident_date"`
	Attributes     map[string]string `json:"attributes"`
}

// CreateCaseResult is the stored case and the notices raised while
// reconciling its initial attributes.
type CreateCaseResult struct {
	Case    *tracker.Case `json:"case"`
	Notices []Notice      `json:"notices,omitempty"`
}

// IntervalInput is a time-to-death entered for one code.
type IntervalInput struct {
	Unit  string `json:"unit"`
	Value int    `json:"value"`
}

// SlotState is one cause-of-death line as the form renders it.
type SlotState struct {
	Slot             causeofdeath.Slot    `json:"slot"`
	Entries          []causeofdeath.Entry `json:"entries"`
	Underlying       bool                 `json:"underlying"`
	CheckboxDisabled bool                 `json:"checkbox_disabled"`
}

// FormState is the derived rendering state of a case. Visible holds the
// conditional fields and groups; Disabled lists locked fields by semantic
// name.
type FormState struct {
	Completed  bool                         `json:"completed"`
	Mode       causeofdeath.Mode            `json:"mode"`
	Sections   map[string]bool              `json:"sections"`
	Visible    map[string]bool              `json:"visible"`
	Disabled   map[string]bool              `json:"disabled"`
	Slots      []SlotState                  `json:"slots"`
	Result     causeofdeath.UnderlyingCause `json:"result"`
	CanCompute bool                         `json:"can_compute"`
}
