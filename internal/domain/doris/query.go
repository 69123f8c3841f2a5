// Package doris talks to the WHO DORIS service, which selects the
// underlying cause of death from the coded certificate lines.
package doris

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/crvs/deathform/internal/domain/agecalc"
	"github.com/crvs/deathform/internal/domain/causeofdeath"
	"github.com/crvs/deathform/internal/domain/formmeta"
)

// DefaultBaseURL is the ICD-11 2025-01 release DORIS endpoint.
const DefaultBaseURL = "https://id.who.int/icd/release/11/2025-01/doris"

// Sex codes accepted by DORIS.
const (
	SexMale    = "1"
	SexFemale  = "2"
	SexUnknown = "9"
)

// slotParams maps certificate lines to the DORIS parameter suffix. The
// "other" line is sent as E.
var slotParams = []struct {
	slot   causeofdeath.Slot
	suffix string
}{
	{causeofdeath.SlotA, "A"},
	{causeofdeath.SlotB, "B"},
	{causeofdeath.SlotC, "C"},
	{causeofdeath.SlotD, "D"},
	{causeofdeath.SlotO, "E"},
}

// clinicalParams maps stage data elements to optional query parameters.
var clinicalParams = []struct {
	dataElement string
	param       string
}{
	{formmeta.DESurgery, "surgeryWasPerformed"},
	{formmeta.DESurgeryDate, "surgeryDate"},
	{formmeta.DESurgeryReason, "surgeryReason"},
	{formmeta.DEAutopsy, "autopsyWasRequested"},
	{formmeta.DEAutopsySpecified, "autopsyFindings"},
	{formmeta.DEMannerOfDeath, "mannerOfDeath"},
	{formmeta.DEDateOfInjury, "mannerOfDeathDateOfExternalCauseOrPoisoning"},
	{formmeta.DEExternalCause, "mannerOfDeathDescriptionExternalCause"},
	{formmeta.DEExternalCausePlace, "mannerOfDeathPlaceOfOccuranceExternalCause"},
	{formmeta.DEMultiplePregnancies, "fetalOrInfantDeathMultiplePregnancy"},
	{formmeta.DEStillborn, "fetalOrInfantDeathStillborn"},
	{formmeta.DEHoursNewbornSurvived, "fetalOrInfantDeathDeathWithin24h"},
	{formmeta.DEBirthWeight, "fetalOrInfantDeathBirthWeight"},
	{formmeta.DECompletedWeeks, "fetalOrInfantDeathPregnancyWeeks"},
	{formmeta.DEAgeMother, "fetalOrInfantDeathAgeMother"},
	{formmeta.DEPregnancyConditions, "fetalOrInfantDeathPerinatalDescription"},
	{formmeta.DEPregnancyInLastYear, "maternalDeathWasPregnant"},
	{formmeta.DETimeFromPregnancy, "maternalDeathTimeFromPregnancy"},
	{formmeta.DEPregnancyContributed, "maternalDeathPregnancyContribute"},
}

// ClinicalDataElements lists the stage data elements BuildQuery reads from
// Context.Clinical.
func ClinicalDataElements() []string {
	out := make([]string, len(clinicalParams))
	for i, p := range clinicalParams {
		out[i] = p.dataElement
	}
	return out
}

// Context is the decedent and clinical information sent with the
// certificate lines. Clinical is keyed by semantic data element name.
type Context struct {
	Sex          string
	FemaleCode   string
	Age          string
	EstimatedAge string
	AgeUnit      string
	DateOfBirth  string
	DateOfDeath  string
	Clinical     map[string]string
}

// SexCode maps a stored sex value to its DORIS code.
func SexCode(sex, femaleCode string) string {
	switch {
	case sex == "":
		return SexUnknown
	case sex == femaleCode:
		return SexFemale
	default:
		return SexMale
	}
}

// EstimatedAgeDuration renders the age as an ISO-8601 duration, or "" when the age
// is unknown or its unit is not recognised.
func (qc Context) EstimatedAgeDuration() string {
	if qc.Age == "" {
		return ""
	}
	n, err := strconv.Atoi(strings.TrimSpace(qc.EstimatedAge))
	if err != nil || n < 0 {
		return ""
	}
	unit, ok := agecalc.ParseUnit(qc.AgeUnit)
	if !ok {
		return ""
	}
	return unit.Duration(n)
}

// BuildQuery assembles the DORIS request URL. Line A and its intervals are
// always sent; other lines only when they carry codes. Query keys are
// sorted so identical inputs produce identical URLs.
func BuildQuery(base string, cert *causeofdeath.Certificate, qc Context) (*url.URL, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse DORIS base URL: %w", err)
	}

	q := url.Values{}
	q.Set("sex", SexCode(qc.Sex, qc.FemaleCode))
	if d := qc.EstimatedAgeDuration(); d != "" {
		q.Set("estimatedAge", d)
	}
	if qc.DateOfBirth != "" {
		q.Set("dateBirth", qc.DateOfBirth)
	}
	if qc.DateOfDeath != "" {
		q.Set("dateDeath", qc.DateOfDeath)
	}

	for _, sp := range slotParams {
		if sp.slot != causeofdeath.SlotA && cert.Empty(sp.slot) {
			continue
		}
		q.Set("causeOfDeathCode"+sp.suffix, strings.Join(cert.Codes(sp.slot), ","))
		q.Set("interval"+sp.suffix, strings.Join(cert.Intervals(sp.slot), ","))
	}

	for _, cp := range clinicalParams {
		if v := qc.Clinical[cp.dataElement]; v != "" {
			q.Set(cp.param, v)
		}
	}

	u.RawQuery = q.Encode()
	return u, nil
}
