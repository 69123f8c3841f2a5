package formmeta

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidMapping is returned when a mapping lacks required entries.
var ErrInvalidMapping = errors.New("invalid form mapping")

// requiredAttributes must resolve for the profile rules to run.
var requiredAttributes = []string{
	AttrSex, AttrDOB, AttrAge, AttrEstimatedAge, AttrAgeUnit,
	AttrIdentificationType, AttrSAIDNumber, AttrSystemID,
}

// requiredDataElements must resolve for the stage rules to run.
var requiredDataElements = []string{
	"codA", "codB", "codC", "codD", "codO",
	"codA_entityId", "codB_entityId", "codC_entityId", "codD_entityId", "codO_entityId",
	"codA_underlying", "codB_underlying", "codC_underlying", "codD_underlying", "codO_underlying",
	DEUnderlyingCOD, DEUnderlyingCODCode, DEUnderlyingCODChapter, DEUnderlyingCODGroup,
	DEUnderlyingCODReport, DEUnderlyingCODWarning, DEUnderlyingCODDORIS,
	DEProcessedBy, DEManualReason,
}

// Load reads a mapping from a YAML or JSON file and validates it.
func Load(path string) (*Mapping, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read form mapping %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a mapping document. JSON documents are accepted as YAML.
func Parse(data []byte) (*Mapping, error) {
	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode form mapping: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks that every field the rules depend on resolves to an id.
func (m *Mapping) Validate() error {
	var missing []string
	if m.ProgramStage == "" {
		missing = append(missing, "programStage")
	}
	for _, name := range requiredAttributes {
		if m.Attributes[name] == "" {
			missing = append(missing, "attributes."+name)
		}
	}
	for _, name := range requiredDataElements {
		if m.DataElements[name] == "" {
			missing = append(missing, "dataElements."+name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("%w: missing %s", ErrInvalidMapping, strings.Join(missing, ", "))
	}
	return nil
}

// Identity returns a mapping whose ids equal the semantic names. It serves
// single-store deployments that key values by name.
func Identity() *Mapping {
	m := &Mapping{
		ProgramStage:     "death_notification",
		FemaleCode:       "F",
		Attributes:       map[string]string{},
		DataElements:     map[string]string{},
		OptionAttributes: map[string]string{OptionChapter: OptionChapter, OptionGroup: OptionGroup},
		Sections: []Section{
			{ID: "maternal", Name: "Maternal death", ProgramRule: RuleMaternalDeath},
			{ID: "fetal", Name: "Fetal or infant death", ProgramRule: RuleFetalInfantDeath},
		},
	}
	for _, name := range []string{
		AttrSystemID, AttrSex, AttrDOB, AttrAge, AttrEstimatedAge, AttrAgeUnit, AttrEstimatedDOB,
		AttrIdentificationType, AttrSAIDNumber, AttrPassportNumber, AttrPopulationGroup,
		AttrPopulationGroupOther, AttrTypeOfFileNo, AttrHPRNNo, AttrPatientFileNo,
		AttrPlaceOfDeath, AttrPlaceOfDeathOther, AttrNotificationDate,
	} {
		m.Attributes[name] = name
	}
	for _, name := range requiredDataElements {
		m.DataElements[name] = name
	}
	for _, name := range []string{
		DESurgery, DESurgeryDate, DESurgeryReason, DEAutopsy, DEAutopsySpecified, DEAutopsyInfo,
		DEMethodAscertain, DEMannerOfDeath, DEDateOfInjury, DEExternalCause, DEExternalCausePlace,
		DEExternalCauseSpecifiedPlace, DEMultiplePregnancies, DEStillborn, DEHoursNewbornSurvived,
		DEBirthWeight, DECompletedWeeks, DEAgeMother, DEPregnancyConditions, DEPregnancyInLastYear,
		DETimeFromPregnancy, DEPregnancyContributed, DEPeriodOfDeath, DEChildTypeOfDeath,
		DEMotherIdentificationType, DEMotherIdentityNumber, DEMotherPassportNo, DEMotherDOB, DEMotherAge,
	} {
		m.DataElements[name] = name
	}
	return m
}
