package deathform

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/crvs/deathform/internal/domain/causeofdeath"
	"github.com/crvs/deathform/internal/domain/formmeta"
	"github.com/crvs/deathform/internal/domain/tracker"
)

// editor records writes against a working copy of a case. Reads see earlier
// writes of the same action, and writes that would not change a value are
// dropped.
type editor struct {
	m       *formmeta.Mapping
	catalog *formmeta.Catalog
	c       *tracker.Case
	logger  zerolog.Logger
	now     func() time.Time
	newID   func() string

	changes    tracker.Changes
	notices    []Notice
	selections []Selection

	// rejected discards every write of the action; notices are kept.
	rejected bool
	// codesChanged marks actions that make an in-flight computation stale.
	codesChanged bool
	repairLogged bool
	err          error
}

func (e *editor) record(ch tracker.Change) {
	if e.err != nil {
		return
	}
	if err := e.c.Apply(ch); err != nil {
		e.err = err
		return
	}
	e.changes = append(e.changes, ch)
}

func (e *editor) notice(field, level, msg string) {
	e.notices = append(e.notices, Notice{Field: field, Level: level, Message: msg})
}

// reject abandons the action with an error notice.
func (e *editor) reject(field, msg string) {
	e.rejected = true
	e.notice(field, LevelError, msg)
}

func (e *editor) attr(name string) string {
	id := e.m.Attribute(name)
	if id == "" {
		return ""
	}
	return e.c.Attribute(id)
}

func (e *editor) setAttr(name, value string) {
	id := e.m.Attribute(name)
	if id == "" || e.c.Attribute(id) == value {
		return
	}
	e.record(tracker.Change{Kind: tracker.KindAttribute, Field: id, Value: value})
}

func (e *editor) setEnrollment(field, value string) {
	var cur string
	switch field {
	case tracker.FieldIncidentDate:
		cur = e.c.Enrollment.IncidentDate
	case tracker.FieldEnrollmentDate:
		cur = e.c.Enrollment.EnrollmentDate
	case tracker.FieldStatus:
		cur = e.c.Enrollment.Status
	}
	if cur == value {
		return
	}
	e.record(tracker.Change{Kind: tracker.KindEnrollment, Field: field, Value: value})
}

// existingEvent returns the cause-of-death event without creating it.
func (e *editor) existingEvent() *tracker.Event {
	return e.c.StageEvent(e.m.ProgramStage)
}

// event returns the cause-of-death event, creating it dated on the
// incident date when the case has none.
func (e *editor) event() *tracker.Event {
	if ev := e.existingEvent(); ev != nil {
		return ev
	}
	id := e.newID()
	var cs tracker.Changes
	cs.CreateEvent(id, e.m.ProgramStage)
	cs.SetEventDate(id, e.c.Enrollment.IncidentDate)
	cs.SetDueDate(id, e.c.Enrollment.IncidentDate)
	cs.SetEventDirty(id, false)
	for _, ch := range cs {
		e.record(ch)
	}
	return e.c.Event(id)
}

func (e *editor) value(name string) string {
	id := e.m.DataElement(name)
	ev := e.existingEvent()
	if id == "" || ev == nil {
		return ""
	}
	return ev.DataValues[id]
}

func (e *editor) setValue(name, value string) {
	id := e.m.DataElement(name)
	if id == "" || e.value(name) == value {
		return
	}
	ev := e.event()
	if ev == nil {
		return
	}
	e.record(tracker.Change{Kind: tracker.KindDataValue, Event: ev.ID, Field: id, Value: value})
}

// setValues writes values in name order so batches are reproducible.
func (e *editor) setValues(values map[string]string) {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		e.setValue(name, values[name])
	}
}

// setClean resets the event's dirty flag to clean.
func (e *editor) setClean() {
	ev := e.existingEvent()
	if ev == nil || !ev.IsDirty {
		return
	}
	var cs tracker.Changes
	cs.SetEventDirty(ev.ID, false)
	e.record(cs[0])
}

func (e *editor) setDate(eventID string, eventDate, dueDate string) {
	ev := e.c.Event(eventID)
	if ev == nil {
		return
	}
	var cs tracker.Changes
	if ev.EventDate != eventDate {
		cs.SetEventDate(eventID, eventDate)
	}
	if ev.DueDate != dueDate {
		cs.SetDueDate(eventID, dueDate)
	}
	for _, ch := range cs {
		e.record(ch)
	}
}

func (e *editor) mode() causeofdeath.Mode {
	return causeofdeath.ParseMode(e.value(formmeta.DEProcessedBy))
}

// setMode writes processed-by. The manual reason only survives in Manual
// mode.
func (e *editor) setMode(m causeofdeath.Mode) {
	e.setValue(formmeta.DEProcessedBy, string(m))
	if m != causeofdeath.ModeManual {
		e.setValue(formmeta.DEManualReason, "")
	}
}

func (e *editor) certificate() (*causeofdeath.Certificate, error) {
	cert := causeofdeath.NewCertificate()
	for _, s := range causeofdeath.Slots {
		err := cert.Load(s, e.value(s.CodeField()), e.value(s.EntityField()), e.value(s.UnderlyingField()) == "true")
		if err != nil {
			return nil, err
		}
	}
	for _, s := range cert.Repaired() {
		if e.repairLogged {
			break
		}
		e.logger.Warn().
			Str("tracked_entity", e.c.TrackedEntity).
			Str("slot", string(s)).
			Str("codes", e.value(s.CodeField())).
			Str("entity_ids", e.value(s.EntityField())).
			Msg("repaired misaligned cause-of-death line")
	}
	e.repairLogged = e.repairLogged || len(cert.Repaired()) > 0
	return cert, nil
}

func (e *editor) writeSlot(cert *causeofdeath.Certificate, s causeofdeath.Slot) {
	codes, ids := cert.Encode(s)
	e.setValue(s.CodeField(), codes)
	e.setValue(s.EntityField(), ids)
}

// writeFlags mirrors the certificate's underlying flags. An unset flag
// already reads as false.
func (e *editor) writeFlags(cert *causeofdeath.Certificate) {
	for _, s := range causeofdeath.Slots {
		want := boolString(cert.Underlying(s))
		if want == "false" && e.value(s.UnderlyingField()) == "" {
			continue
		}
		e.setValue(s.UnderlyingField(), want)
	}
}

// setResult fills the underlying cause result for code. Clearing the result
// leaves a clean event clean.
func (e *editor) setResult(code string) {
	wasDirty := true
	if ev := e.existingEvent(); ev != nil {
		wasDirty = ev.IsDirty
	}
	e.setValues(e.catalog.ResultValues(code))
	if code == "" && !wasDirty {
		e.setClean()
	}
}

// codesEdited resets the underlying selection after the codes of a line
// changed. The result is cleared and the mode returns to automatic pending
// a new computation.
func (e *editor) codesEdited(cert *causeofdeath.Certificate, s causeofdeath.Slot) {
	e.writeSlot(cert, s)
	cert.ClearUnderlying()
	e.writeFlags(cert)
	e.setMode(causeofdeath.Next(e.mode(), causeofdeath.CodesEdited, ""))
	e.setResult("")
	e.codesChanged = true
}

func (e *editor) update() *Update {
	return &Update{Changes: e.changes, Notices: e.notices, Selections: e.selections}
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
