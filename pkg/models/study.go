// Package models defines the typed projection of a ClinicalTrials.gov study.
//
// The API schema is deeply nested and almost entirely optional. Every module
// is a pointer and every scalar is a pointer so that "absent" and "empty" stay
// distinguishable. Only the identification and status modules and the NCT ID
// are required; the validate tags enforce that.
package models

// Study is one validated study record.
type Study struct {
	ProtocolSection *ProtocolSection `json:"protocolSection" validate:"required"`
	DerivedSection  *DerivedSection  `json:"derivedSection,omitempty"`
	HasResults      *bool            `json:"hasResults,omitempty"`
}

// NctID returns the study's registry identifier.
func (s *Study) NctID() string {
	if s == nil || s.ProtocolSection == nil || s.ProtocolSection.IdentificationModule == nil ||
		s.ProtocolSection.IdentificationModule.NctID == nil {
		return ""
	}
	return *s.ProtocolSection.IdentificationModule.NctID
}

// ProtocolSection groups the modules describing the study protocol.
type ProtocolSection struct {
	IdentificationModule       *IdentificationModule       `json:"identificationModule" validate:"required"`
	StatusModule               *StatusModule               `json:"statusModule" validate:"required"`
	SponsorCollaboratorsModule *SponsorCollaboratorsModule `json:"sponsorCollaboratorsModule,omitempty"`
	DescriptionModule          *DescriptionModule          `json:"descriptionModule,omitempty"`
	ConditionsModule           *ConditionsModule           `json:"conditionsModule,omitempty"`
	DesignModule               *DesignModule               `json:"designModule,omitempty"`
	ArmsInterventionsModule    *ArmsInterventionsModule    `json:"armsInterventionsModule,omitempty"`
	OutcomesModule             *OutcomesModule             `json:"outcomesModule,omitempty"`

	// Modules the loader does not flatten. They must still be objects.
	OversightModule         map[string]interface{} `json:"oversightModule,omitempty"`
	EligibilityModule       map[string]interface{} `json:"eligibilityModule,omitempty"`
	ContactsLocationsModule map[string]interface{} `json:"contactsLocationsModule,omitempty"`
	ReferencesModule        map[string]interface{} `json:"referencesModule,omitempty"`
}

// IdentificationModule holds the registry identifier and titles.
type IdentificationModule struct {
	NctID         *string `json:"nctId" validate:"required"`
	BriefTitle    *string `json:"briefTitle,omitempty"`
	OfficialTitle *string `json:"officialTitle,omitempty"`
}

// StatusModule holds recruitment status and key dates.
type StatusModule struct {
	OverallStatus               *string     `json:"overallStatus,omitempty"`
	StartDateStruct             *DateStruct `json:"startDateStruct,omitempty"`
	PrimaryCompletionDateStruct *DateStruct `json:"primaryCompletionDateStruct,omitempty"`
	CompletionDateStruct        *DateStruct `json:"completionDateStruct,omitempty"`
	LastUpdatePostDateStruct    *DateStruct `json:"lastUpdatePostDateStruct,omitempty"`
}

// DateStruct is a free-form date string plus its qualifier (ACTUAL, ESTIMATED).
type DateStruct struct {
	Date *string `json:"date,omitempty"`
	Type *string `json:"type,omitempty"`
}

// SponsorCollaboratorsModule lists the lead sponsor and collaborators.
type SponsorCollaboratorsModule struct {
	LeadSponsor   *Sponsor  `json:"leadSponsor,omitempty"`
	Collaborators []Sponsor `json:"collaborators,omitempty"`
}

// Sponsor is an organization funding or collaborating on a study.
type Sponsor struct {
	Name  *string `json:"name,omitempty"`
	Class *string `json:"class,omitempty"`
}

// DescriptionModule holds the free-text summaries.
type DescriptionModule struct {
	BriefSummary        *string `json:"briefSummary,omitempty"`
	DetailedDescription *string `json:"detailedDescription,omitempty"`
}

// ConditionsModule lists studied conditions.
type ConditionsModule struct {
	Conditions []string `json:"conditions,omitempty"`
	Keywords   []string `json:"keywords,omitempty"`
}

// DesignModule describes the study design.
type DesignModule struct {
	StudyType *string  `json:"studyType,omitempty"`
	Phases    []string `json:"phases,omitempty"`
}

// ArmsInterventionsModule lists arm groups and interventions.
type ArmsInterventionsModule struct {
	ArmGroups     []ArmGroup     `json:"armGroups,omitempty"`
	Interventions []Intervention `json:"interventions,omitempty"`
}

// ArmGroup is one arm of the study.
type ArmGroup struct {
	Label             *string  `json:"label,omitempty"`
	Type              *string  `json:"type,omitempty"`
	Description       *string  `json:"description,omitempty"`
	InterventionNames []string `json:"interventionNames,omitempty"`
}

// Intervention is a drug, device, procedure or other intervention.
type Intervention struct {
	Type           *string  `json:"type,omitempty"`
	Name           *string  `json:"name,omitempty"`
	Description    *string  `json:"description,omitempty"`
	ArmGroupLabels []string `json:"armGroupLabels,omitempty"`
}

// OutcomesModule lists outcome measures by category.
type OutcomesModule struct {
	PrimaryOutcomes   []Outcome `json:"primaryOutcomes,omitempty"`
	SecondaryOutcomes []Outcome `json:"secondaryOutcomes,omitempty"`
	OtherOutcomes     []Outcome `json:"otherOutcomes,omitempty"`
}

// Outcome is one outcome measure.
type Outcome struct {
	Measure     *string `json:"measure,omitempty"`
	Description *string `json:"description,omitempty"`
	TimeFrame   *string `json:"timeFrame,omitempty"`
}

// DerivedSection is kept opaque; only its presence is modeled.
type DerivedSection struct {
	MiscInfoModule           map[string]interface{} `json:"miscInfoModule,omitempty"`
	ConditionBrowseModule    map[string]interface{} `json:"conditionBrowseModule,omitempty"`
	InterventionBrowseModule map[string]interface{} `json:"interventionBrowseModule,omitempty"`
}
