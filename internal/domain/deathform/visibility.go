package deathform

import (
	"github.com/crvs/deathform/internal/domain/causeofdeath"
	"github.com/crvs/deathform/internal/domain/formmeta"
	"github.com/crvs/deathform/internal/domain/nationalid"
)

// Option codes the conditional field rules compare against.
const (
	PopulationGroupOther  = "POP_GROUP_OTHER"
	FileNoHPRN            = "TYPE_HPRN"
	FileNoPatient         = "TYPE_PAT_FILE"
	FileNoBoth            = "TYPE_BOTH"
	PlaceOfDeathOther     = "PLACE_DEATH_OTHER_PLACE"
	MethodAutopsy         = "METHOD_AUTOPSY"
	TimingAfterWeek       = "TIMING_AFTER_WEEK"
	TimingWithinWeek      = "TIMING_WITHIN_WEEK"
	ChildTypeStillbirth   = "TYPE_DEATH_STILL"
	MannerOfDeathNatural  = "0"
	GroupMedicalData      = "medical_data"
	GroupPerinatal        = "perinatal"
	GroupStillbirthDetail = "stillbirth_details"
)

// Minimum and maximum ages for the maternal and fetal/infant sections.
const (
	maternalMinAge = 10
	infantMaxAge   = 1
)

var sectionElements = map[string][]string{
	formmeta.RuleFetalInfantDeath: {
		formmeta.DEMultiplePregnancies, formmeta.DEStillborn, formmeta.DEHoursNewbornSurvived,
		formmeta.DEBirthWeight, formmeta.DECompletedWeeks, formmeta.DEAgeMother, formmeta.DEPregnancyConditions,
	},
	formmeta.RuleMaternalDeath: {
		formmeta.DEPregnancyInLastYear, formmeta.DETimeFromPregnancy, formmeta.DEPregnancyContributed,
	},
}

// sectionVisible evaluates a section program rule.
func sectionVisible(e *editor, rule string) bool {
	age, known := ageYears(e)
	switch rule {
	case formmeta.RuleMaternalDeath:
		return known && e.attr(formmeta.AttrSex) == e.m.FemaleCode && age >= maternalMinAge
	case formmeta.RuleFetalInfantDeath:
		return known && age <= infantMaxAge
	}
	return true
}

// clearHiddenSections empties the data values of rule sections that are no
// longer shown and leaves the event clean.
func clearHiddenSections(e *editor) {
	if e.existingEvent() == nil {
		return
	}
	for _, rule := range []string{formmeta.RuleFetalInfantDeath, formmeta.RuleMaternalDeath} {
		if !e.m.HasSection(rule) || sectionVisible(e, rule) {
			continue
		}
		before := len(e.changes)
		for _, name := range sectionElements[rule] {
			e.setValue(name, "")
		}
		if len(e.changes) > before {
			e.setClean()
		}
	}
}

// evaluate derives the rendering state of the case held by e.
func evaluate(e *editor) (*FormState, error) {
	cert, err := e.certificate()
	if err != nil {
		return nil, err
	}
	mode := e.mode()
	st := &FormState{
		Completed: e.c.Completed(),
		Mode:      mode,
		Sections:  map[string]bool{},
		Visible:   map[string]bool{},
		Disabled:  map[string]bool{},
	}

	for _, sec := range e.m.Sections {
		if sec.ProgramRule != "" {
			st.Sections[sec.ID] = sectionVisible(e, sec.ProgramRule)
		}
	}

	idType := e.attr(formmeta.AttrIdentificationType)
	fileNo := e.attr(formmeta.AttrTypeOfFileNo)
	manner := e.value(formmeta.DEMannerOfDeath)
	motherIDType := e.value(formmeta.DEMotherIdentificationType)
	externalCause := manner != "" && manner != MannerOfDeathNatural
	for name, visible := range map[string]bool{
		formmeta.AttrSAIDNumber:                idType == nationalid.TypeSAID,
		formmeta.AttrPassportNumber:            idType == nationalid.TypePassport,
		formmeta.AttrPopulationGroupOther:      e.attr(formmeta.AttrPopulationGroup) == PopulationGroupOther,
		formmeta.AttrHPRNNo:                    fileNo == FileNoHPRN || fileNo == FileNoBoth,
		formmeta.AttrPatientFileNo:             fileNo == FileNoPatient || fileNo == FileNoBoth,
		formmeta.AttrPlaceOfDeathOther:         e.attr(formmeta.AttrPlaceOfDeath) == PlaceOfDeathOther,
		formmeta.DEAutopsyInfo:                 e.value(formmeta.DEMethodAscertain) == MethodAutopsy,
		formmeta.DEMotherIdentityNumber:        motherIDType == nationalid.TypeSAID,
		formmeta.DEMotherPassportNo:            motherIDType == nationalid.TypePassport,
		formmeta.DEDateOfInjury:                externalCause,
		formmeta.DEExternalCause:               externalCause,
		formmeta.DEExternalCausePlace:          externalCause,
		formmeta.DEExternalCauseSpecifiedPlace: externalCause,
		GroupMedicalData:                       e.value(formmeta.DEPeriodOfDeath) == TimingAfterWeek,
		GroupPerinatal:                         e.value(formmeta.DEPeriodOfDeath) == TimingWithinWeek,
		GroupStillbirthDetail:                  e.value(formmeta.DEChildTypeOfDeath) == ChildTypeStillbirth,
	} {
		st.Visible[name] = visible
	}

	estimated := e.attr(formmeta.AttrEstimatedDOB) == "true"
	result := e.value(formmeta.DEUnderlyingCOD)
	for name, disabled := range map[string]bool{
		formmeta.AttrSystemID:     true,
		formmeta.AttrDOB:          estimated,
		formmeta.AttrEstimatedAge: !estimated,
		formmeta.AttrAgeUnit:      !estimated,
		formmeta.DEMotherDOB:      motherIDType == nationalid.TypeSAID && nationalid.IsComplete(e.value(formmeta.DEMotherIdentityNumber)),
		formmeta.DEMotherAge:      motherIDType == nationalid.TypeSAID && nationalid.IsComplete(e.value(formmeta.DEMotherIdentityNumber)),
		formmeta.DEManualReason:   mode != causeofdeath.ModeManual,
		formmeta.DEProcessedBy:    mode != causeofdeath.ModeManual && result == "",
	} {
		if disabled {
			st.Disabled[name] = true
		}
	}

	flagged, anyFlagged := cert.UnderlyingSlot()
	for _, s := range causeofdeath.Slots {
		checked := cert.Underlying(s)
		locked := (anyFlagged && flagged != s) ||
			(mode == causeofdeath.ModeUnset && !anyFlagged) ||
			mode == causeofdeath.ModeAutomatic ||
			(!checked && cert.Empty(s))
		st.Slots = append(st.Slots, SlotState{
			Slot:             s,
			Entries:          cert.Entries(s),
			Underlying:       checked,
			CheckboxDisabled: st.Completed || locked,
		})
	}

	st.Result = causeofdeath.UnderlyingCause{
		Code:        e.value(formmeta.DEUnderlyingCODCode),
		Chapter:     e.value(formmeta.DEUnderlyingCODChapter),
		Group:       e.value(formmeta.DEUnderlyingCODGroup),
		Report:      e.value(formmeta.DEUnderlyingCODReport),
		Warning:     e.value(formmeta.DEUnderlyingCODWarning),
		ProcessedBy: mode,
	}
	st.CanCompute = !st.Completed && mode.CanCompute() && !cert.AllEmpty()
	return st, nil
}
