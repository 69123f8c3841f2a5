// Package formmeta holds the form mapping that translates semantic field
// names used by the form rules into the store's opaque identifiers, plus the
// ICD-11 option catalog.
package formmeta

// Tracked-entity attribute names.
const (
	AttrSystemID             = "system_id"
	AttrSex                  = "sex"
	AttrDOB                  = "dob"
	AttrAge                  = "age"
	AttrEstimatedAge         = "estimated_age"
	AttrAgeUnit              = "age_unit"
	AttrEstimatedDOB         = "estimated_dob"
	AttrIdentificationType   = "identification_type"
	AttrSAIDNumber           = "sa_id_number"
	AttrPassportNumber       = "passport_number"
	AttrPopulationGroup      = "population_group"
	AttrPopulationGroupOther = "population_group_other_specify"
	AttrTypeOfFileNo         = "type_of_fileno"
	AttrHPRNNo               = "HPRN_no"
	AttrPatientFileNo        = "patient_file_no"
	AttrPlaceOfDeath         = "place_of_death"
	AttrPlaceOfDeathOther    = "place_of_death_other_specify"
	AttrNotificationDate     = "notification_date"
)

// Stage data element names.
const (
	DEUnderlyingCOD        = "underlyingCOD"
	DEUnderlyingCODCode    = "underlyingCOD_code"
	DEUnderlyingCODChapter = "underlyingCOD_chapter"
	DEUnderlyingCODGroup   = "underlyingCOD_group"
	DEUnderlyingCODReport  = "underlyingCOD_report"
	DEUnderlyingCODWarning = "underlyingCOD_warning"
	DEUnderlyingCODDORIS   = "underlyingCOD_DORIS"
	DEProcessedBy          = "underlyingCOD_processed_by"
	DEManualReason         = "reason_of_manual_COD_selection"

	DESurgery          = "surgery"
	DESurgeryDate      = "surgery_date"
	DESurgeryReason    = "surgery_reason"
	DEAutopsy          = "autopsy"
	DEAutopsySpecified = "autopsy_specified"
	DEAutopsyInfo      = "autopsy_info"
	DEMethodAscertain  = "method_to_ascertain_cause_of_death"

	DEMannerOfDeath               = "mannerOfDeath"
	DEDateOfInjury                = "dateOfInjury"
	DEExternalCause               = "externalCause"
	DEExternalCausePlace          = "externalCause_place"
	DEExternalCauseSpecifiedPlace = "externalCause_specifiedPlace"

	DEMultiplePregnancies  = "multiple_pregnancies"
	DEStillborn            = "stillborn"
	DEHoursNewbornSurvived = "hours_newborn_survived"
	DEBirthWeight          = "birth_weight"
	DECompletedWeeks       = "completedWeeks_pregnancy"
	DEAgeMother            = "age_mother"
	DEPregnancyConditions  = "pregnancy_conditions"
	DEPregnancyInLastYear  = "pregnancy_inLastYear"
	DETimeFromPregnancy    = "time_from_pregnancy"
	DEPregnancyContributed = "pregnancy_contributed_to_death"
	DEPeriodOfDeath        = "period_of_death"
	DEChildTypeOfDeath     = "child_type_of_death"

	DEMotherIdentificationType = "mother_identification_type"
	DEMotherIdentityNumber     = "mother_identity_number"
	DEMotherPassportNo         = "mother_passport_no"
	DEMotherDOB                = "mother_dob"
	DEMotherAge                = "mother_age"
)

// Section program rules recognised by the visibility rules.
const (
	RuleMaternalDeath    = "MaternalDeath"
	RuleFetalInfantDeath = "FetalInfantDeath"
)

// Option attribute keys used to read chapter and group from the catalog.
const (
	OptionChapter = "chapter"
	OptionGroup   = "group"
)

// Mapping is the form mapping supplied as configuration.
type Mapping struct {
	ProgramStage     string            `yaml:"programStage" json:"programStage"`
	FemaleCode       string            `yaml:"femaleCode" json:"femaleCode"`
	Attributes       map[string]string `yaml:"attributes" json:"attributes"`
	DataElements     map[string]string `yaml:"dataElements" json:"dataElements"`
	OptionAttributes map[string]string `yaml:"optionAttributes" json:"optionAttributes"`
	Sections         []Section         `yaml:"sections" json:"sections"`
	ICD11Options     []Option          `yaml:"icd11Options" json:"icd11Options"`
}

// Section is a stage form section. Sections carrying a program rule are
// shown or hidden by the visibility rules.
type Section struct {
	ID           string   `yaml:"id" json:"id"`
	Name         string   `yaml:"name" json:"name"`
	ProgramRule  string   `yaml:"programRule" json:"programRule"`
	DataElements []string `yaml:"dataElements" json:"dataElements"`
}

// Option is one entry of the ICD-11 option set.
type Option struct {
	Code            string           `yaml:"code" json:"code"`
	Name            string           `yaml:"name" json:"name"`
	AttributeValues []AttributeValue `yaml:"attributeValues" json:"attributeValues"`
}

// AttributeValue is an option attribute value; Attribute is the attribute id.
type AttributeValue struct {
	Attribute string `yaml:"attribute" json:"attribute"`
	Value     string `yaml:"value" json:"value"`
}

// Attribute returns the store id for a tracked-entity attribute name.
func (m *Mapping) Attribute(name string) string { return m.Attributes[name] }

// DataElement returns the store id for a stage data element name.
func (m *Mapping) DataElement(name string) string { return m.DataElements[name] }

// HasSection reports whether a section with the given program rule exists.
func (m *Mapping) HasSection(rule string) bool {
	for _, s := range m.Sections {
		if s.ProgramRule == rule {
			return true
		}
	}
	return false
}

// AttributeName is the reverse of Attribute.
func (m *Mapping) AttributeName(id string) (string, bool) {
	for name, v := range m.Attributes {
		if v == id {
			return name, true
		}
	}
	return "", false
}

// DataElementName is the reverse of DataElement.
func (m *Mapping) DataElementName(id string) (string, bool) {
	for name, v := range m.DataElements {
		if v == id {
			return name, true
		}
	}
	return "", false
}
