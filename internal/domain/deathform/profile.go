package deathform

import (
	"strconv"
	"strings"

	"github.com/crvs/deathform/internal/domain/agecalc"
	"github.com/crvs/deathform/internal/domain/formmeta"
	"github.com/crvs/deathform/internal/domain/nationalid"
	"github.com/crvs/deathform/internal/domain/tracker"
)

const msgReportedDate = "Reported Date must be greater than incidentDate"

// editAttribute writes a profile attribute and the fields derived from it.
func (s *Service) editAttribute(e *editor, name, value string) {
	switch name {
	case formmeta.AttrSAIDNumber:
		digits, ok := nationalid.Sanitize(value)
		if !ok {
			return
		}
		e.setAttr(name, digits)
		s.deriveFromNationalID(e)
	case formmeta.AttrIdentificationType:
		e.setAttr(name, value)
		s.deriveFromNationalID(e)
	case formmeta.AttrDOB:
		e.setAttr(name, value)
		deriveAgeFromDOB(e)
	case formmeta.AttrEstimatedAge:
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || n <= 0 {
			return
		}
		e.setAttr(name, strconv.Itoa(n))
		applyEstimate(e, n, agecalc.Unit(e.attr(formmeta.AttrAgeUnit)))
	case formmeta.AttrAgeUnit:
		e.setAttr(name, value)
		if est := e.attr(formmeta.AttrEstimatedAge); est != "" {
			if n, err := strconv.Atoi(est); err == nil {
				applyEstimate(e, n, agecalc.Unit(value))
			}
		}
	default:
		e.setAttr(name, value)
	}
}

// deriveFromNationalID fills date of birth and age from a complete South
// African identity number. Age is taken relative to today. An age outside
// the accepted range leaves the age fields untouched.
func (s *Service) deriveFromNationalID(e *editor) {
	if e.attr(formmeta.AttrIdentificationType) != nationalid.TypeSAID {
		return
	}
	res := nationalid.Parse(e.attr(formmeta.AttrSAIDNumber))
	if !res.Valid {
		return
	}
	e.setAttr(formmeta.AttrDOB, agecalc.FormatDate(res.DOB))
	d, err := agecalc.DeriveFromDOB(res.DOB, agecalc.Today(s.now()))
	if err != nil {
		e.notice(formmeta.AttrAge, LevelError, ageMessage(err))
		return
	}
	writeDerivation(e, d)
}

// deriveAgeFromDOB recomputes age, estimated age and unit from the date of
// birth relative to the incident date. An out-of-range age rejects the
// whole edit.
func deriveAgeFromDOB(e *editor) {
	incident, err := agecalc.ParseDate(e.c.Enrollment.IncidentDate)
	if err != nil {
		return
	}
	dob, err := agecalc.ParseDate(e.attr(formmeta.AttrDOB))
	if err != nil {
		return
	}
	d, err := agecalc.DeriveFromDOB(dob, incident)
	if err != nil {
		e.reject(formmeta.AttrAge, ageMessage(err))
		return
	}
	writeDerivation(e, d)
}

// applyEstimate sets age and date of birth from an estimated age in unit.
// An unknown unit means an age of zero born on the incident date.
func applyEstimate(e *editor, n int, unit agecalc.Unit) {
	if _, ok := agecalc.ParseUnit(string(unit)); !ok {
		n = 0
	}
	incident, err := agecalc.ParseDate(e.c.Enrollment.IncidentDate)
	known := err == nil
	if !known {
		incident = agecalc.Today(e.now())
	}
	age := agecalc.AgeForEstimate(n, unit, incident)
	if err := agecalc.CheckAge(age); err != nil {
		e.reject(formmeta.AttrAge, ageMessage(err))
		return
	}
	e.setAttr(formmeta.AttrAge, strconv.Itoa(age))
	if known {
		e.setAttr(formmeta.AttrDOB, agecalc.FormatDate(agecalc.DOBFromEstimate(n, unit, incident)))
	}
}

func writeDerivation(e *editor, d agecalc.Derivation) {
	e.setAttr(formmeta.AttrAge, strconv.Itoa(d.Age))
	e.setAttr(formmeta.AttrEstimatedAge, strconv.Itoa(d.EstimatedAge))
	e.setAttr(formmeta.AttrAgeUnit, string(d.Unit))
}

// editEnrollment writes an enrollment date. A new incident date re-dates
// every event and reconciles the age fields against it.
func editEnrollment(e *editor, field, value string) {
	switch field {
	case tracker.FieldIncidentDate:
		e.setEnrollment(field, value)
		for _, ev := range e.c.Events {
			e.setDate(ev.ID, value, value)
		}
		if e.attr(formmeta.AttrDOB) != "" {
			deriveAgeFromDOB(e)
		} else if est, unit := e.attr(formmeta.AttrEstimatedAge), e.attr(formmeta.AttrAgeUnit); est != "" && unit != "" {
			if n, err := strconv.Atoi(est); err == nil {
				applyEstimate(e, n, agecalc.Unit(unit))
			}
		}
	case tracker.FieldEnrollmentDate:
		e.setEnrollment(field, value)
	}
	checkReportedDate(e)
}

func checkReportedDate(e *editor) {
	en := e.c.Enrollment
	if en.EnrollmentDate == "" || en.IncidentDate == "" {
		return
	}
	reported, err1 := agecalc.ParseDate(en.EnrollmentDate)
	incident, err2 := agecalc.ParseDate(en.IncidentDate)
	if err1 == nil && err2 == nil && reported.Before(incident) {
		e.notice(tracker.FieldEnrollmentDate, LevelError, msgReportedDate)
	}
}

// deriveMotherFromNationalID fills the mother's date of birth and age from
// her identity number. Malformed numbers only produce a debug log.
func (s *Service) deriveMotherFromNationalID(e *editor) {
	if e.value(formmeta.DEMotherIdentificationType) != nationalid.TypeSAID {
		return
	}
	id := e.value(formmeta.DEMotherIdentityNumber)
	if id == "" {
		return
	}
	if !nationalid.IsComplete(id) {
		s.logger.Debug().Int("length", len(id)).Msg("mother identity number is incomplete")
		return
	}
	res := nationalid.Parse(id)
	if !res.Valid {
		s.logger.Debug().Msg("mother identity number does not encode a valid birth date")
		return
	}
	e.setValue(formmeta.DEMotherDOB, agecalc.FormatDate(res.DOB))
	age := agecalc.WholeYears(res.DOB, agecalc.Today(s.now()))
	if agecalc.CheckAge(age) == nil {
		e.setValue(formmeta.DEMotherAge, strconv.Itoa(age))
	}
}

func ageMessage(err error) string {
	msg := err.Error()
	return strings.ToUpper(msg[:1]) + msg[1:]
}

// ageYears is the decedent age used by the section rules: the age
// attribute, else the span from date of birth to the reported date of
// death. ok is false when neither is known.
func ageYears(e *editor) (float64, bool) {
	if v := e.attr(formmeta.AttrAge); v != "" {
		age, err := strconv.ParseFloat(v, 64)
		return age, err == nil
	}
	dob, err := agecalc.ParseDate(e.attr(formmeta.AttrDOB))
	if err != nil {
		return 0, false
	}
	death, err := agecalc.ParseDate(e.c.Enrollment.EnrollmentDate)
	if err != nil {
		return 0, false
	}
	y := agecalc.FractionalYears(dob, death)
	if y < 0 {
		y = -y
	}
	return y, true
}
