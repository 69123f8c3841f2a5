// Package tracker is the field value store behind the notification form: a
// tracked entity with attribute values, one enrollment, and stage events
// carrying data values. Values are keyed by the opaque ids of the form
// mapping.
package tracker

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound      = errors.New("case not found")
	ErrEventNotFound = errors.New("event not found")
	ErrEventExists   = errors.New("event already exists")
	ErrUnknownField  = errors.New("unknown enrollment field")
)

// Enrollment statuses.
const (
	StatusActive    = "ACTIVE"
	StatusCompleted = "COMPLETED"
)

// Enrollment field names accepted by SetEnrollmentField.
const (
	FieldIncidentDate   = "incidentDate"
	FieldEnrollmentDate = "enrollmentDate"
	FieldStatus         = "status"
)

// Enrollment is the tracked entity's participation in the notification
// program. Dates are calendar dates (YYYY-MM-DD) or empty.
type Enrollment struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	EnrollmentDate string `json:"enrollment_date"`
	IncidentDate   string `json:"incident_date"`
}

// Event is a program stage visit and its data values.
type Event struct {
	ID           string            `json:"id"`
	ProgramStage string            `json:"program_stage"`
	EventDate    string            `json:"event_date"`
	DueDate      string            `json:"due_date"`
	DataValues   map[string]string `json:"data_values"`
	IsDirty      bool              `json:"is_dirty"`
}

// Case is a tracked entity with its enrollment and events.
type Case struct {
	TrackedEntity string            `json:"tracked_entity"`
	Attributes    map[string]string `json:"attributes"`
	Enrollment    Enrollment        `json:"enrollment"`
	Events        []*Event          `json:"events"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Completed reports whether the enrollment is closed for edits.
func (c *Case) Completed() bool { return c.Enrollment.Status == StatusCompleted }

// Attribute returns an attribute value, or "" when unset.
func (c *Case) Attribute(id string) string { return c.Attributes[id] }

// Event returns the event with the given id.
func (c *Case) Event(id string) *Event {
	for _, e := range c.Events {
		if e.ID == id {
			return e
		}
	}
	return nil
}

// StageEvent returns the first event of a program stage.
func (c *Case) StageEvent(programStage string) *Event {
	for _, e := range c.Events {
		if e.ProgramStage == programStage {
			return e
		}
	}
	return nil
}

// DataValue returns a data value of an event, or "" when unset.
func (c *Case) DataValue(eventID, id string) string {
	if e := c.Event(eventID); e != nil {
		return e.DataValues[id]
	}
	return ""
}

// Clone returns a deep copy.
func (c *Case) Clone() *Case {
	out := *c
	out.Attributes = make(map[string]string, len(c.Attributes))
	for k, v := range c.Attributes {
		out.Attributes[k] = v
	}
	out.Events = make([]*Event, len(c.Events))
	for i, e := range c.Events {
		ev := *e
		ev.DataValues = make(map[string]string, len(e.DataValues))
		for k, v := range e.DataValues {
			ev.DataValues[k] = v
		}
		out.Events[i] = &ev
	}
	return &out
}

// ChangeKind identifies what a Change writes.
type ChangeKind string

const (
	KindAttribute   ChangeKind = "attribute"
	KindEnrollment  ChangeKind = "enrollment"
	KindDataValue   ChangeKind = "data_value"
	KindEventDate   ChangeKind = "event_date"
	KindDueDate     ChangeKind = "due_date"
	KindEventDirty  ChangeKind = "event_dirty"
	KindCreateEvent ChangeKind = "create_event"
)

// Change is a single field write. Field is the attribute id, enrollment
// field name, data element id or program stage depending on Kind.
type Change struct {
	Kind  ChangeKind `json:"kind"`
	Event string     `json:"event,omitempty"`
	Field string     `json:"field"`
	Value string     `json:"value"`
}

// Changes is an ordered batch of writes committed together.
type Changes []Change

func (cs *Changes) SetAttribute(id, value string) {
	*cs = append(*cs, Change{Kind: KindAttribute, Field: id, Value: value})
}

func (cs *Changes) SetEnrollmentField(name, value string) {
	*cs = append(*cs, Change{Kind: KindEnrollment, Field: name, Value: value})
}

func (cs *Changes) SetEventDataValue(eventID, id, value string) {
	*cs = append(*cs, Change{Kind: KindDataValue, Event: eventID, Field: id, Value: value})
}

func (cs *Changes) SetEventDate(eventID, value string) {
	*cs = append(*cs, Change{Kind: KindEventDate, Event: eventID, Value: value})
}

func (cs *Changes) SetDueDate(eventID, value string) {
	*cs = append(*cs, Change{Kind: KindDueDate, Event: eventID, Value: value})
}

func (cs *Changes) SetEventDirty(eventID string, dirty bool) {
	v := "false"
	if dirty {
		v = "true"
	}
	*cs = append(*cs, Change{Kind: KindEventDirty, Event: eventID, Value: v})
}

func (cs *Changes) CreateEvent(eventID, programStage string) {
	*cs = append(*cs, Change{Kind: KindCreateEvent, Event: eventID, Field: programStage})
}

// Apply performs one change on the case in place. Writing a data value marks
// its event dirty.
func (c *Case) Apply(ch Change) error {
	switch ch.Kind {
	case KindAttribute:
		if c.Attributes == nil {
			c.Attributes = map[string]string{}
		}
		c.Attributes[ch.Field] = ch.Value
	case KindEnrollment:
		switch ch.Field {
		case FieldIncidentDate:
			c.Enrollment.IncidentDate = ch.Value
		case FieldEnrollmentDate:
			c.Enrollment.EnrollmentDate = ch.Value
		case FieldStatus:
			c.Enrollment.Status = ch.Value
		default:
			return fmt.Errorf("%w: %s", ErrUnknownField, ch.Field)
		}
	case KindCreateEvent:
		if c.Event(ch.Event) != nil {
			return fmt.Errorf("%w: %s", ErrEventExists, ch.Event)
		}
		c.Events = append(c.Events, &Event{ID: ch.Event, ProgramStage: ch.Field, DataValues: map[string]string{}})
	default:
		e := c.Event(ch.Event)
		if e == nil {
			return fmt.Errorf("%w: %s", ErrEventNotFound, ch.Event)
		}
		switch ch.Kind {
		case KindDataValue:
			e.DataValues[ch.Field] = ch.Value
			e.IsDirty = true
		case KindEventDate:
			e.EventDate = ch.Value
		case KindDueDate:
			e.DueDate = ch.Value
		case KindEventDirty:
			e.IsDirty = ch.Value == "true"
		default:
			return fmt.Errorf("unknown change kind %q", ch.Kind)
		}
	}
	return nil
}

// ApplyAll performs changes in order, stopping at the first failure.
func (c *Case) ApplyAll(cs Changes) error {
	for i, ch := range cs {
		if err := c.Apply(ch); err != nil {
			return fmt.Errorf("change %d: %w", i, err)
		}
	}
	return nil
}
