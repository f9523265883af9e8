package transform

import (
	"time"

	"github.com/goccy/go-json"

	"github.com/ajitpratap0/ctgov-loader/pkg/loadererrors"
	"github.com/ajitpratap0/ctgov-loader/pkg/models"
)

// Target tables, in load order. Parents precede their children.
const (
	TableRawStudies            = "raw_studies"
	TableStudies               = "studies"
	TableSponsors              = "sponsors"
	TableConditions            = "conditions"
	TableInterventions         = "interventions"
	TableInterventionArmGroups = "intervention_arm_groups"
	TableDesignOutcomes        = "design_outcomes"
)

// TableOrder lists every table Flatten can produce in the order they must be merged.
var TableOrder = []string{
	TableRawStudies,
	TableStudies,
	TableSponsors,
	TableConditions,
	TableInterventions,
	TableInterventionArmGroups,
	TableDesignOutcomes,
}

// Outcome categories stored in design_outcomes.outcome_type.
const (
	OutcomePrimary   = "PRIMARY"
	OutcomeSecondary = "SECONDARY"
	OutcomeOther     = "OTHER"
)

var tableColumns = map[string][]string{
	TableRawStudies:            {"nct_id", "last_updated_api", "last_updated_api_str", "ingestion_timestamp", "payload"},
	TableStudies:               {"nct_id", "brief_title", "official_title", "overall_status", "start_date", "start_date_str", "primary_completion_date", "primary_completion_date_str", "study_type", "brief_summary"},
	TableSponsors:              {"nct_id", "agency_class", "name", "is_lead"},
	TableConditions:            {"nct_id", "name"},
	TableInterventions:         {"nct_id", "intervention_type", "name", "description"},
	TableInterventionArmGroups: {"nct_id", "intervention_name", "arm_group_label"},
	TableDesignOutcomes:        {"nct_id", "outcome_type", "measure", "time_frame", "description"},
}

// RowGroup is a set of rows destined for one table. Every row has one value
// per column; nil means SQL NULL. Values are string, bool, time.Time or nil.
type RowGroup struct {
	Table   string
	Columns []string
	Rows    [][]any
}

// Len returns the number of rows.
func (g RowGroup) Len() int { return len(g.Rows) }

// Columns returns the column list Flatten uses for table.
func Columns(table string) []string {
	return tableColumns[table]
}

// TransformError reports a validated record that could not be flattened.
type TransformError struct {
	NctID  string
	Reason string
}

func (e *TransformError) Error() string {
	if e.NctID == "" {
		return e.Reason
	}
	return e.NctID + ": " + e.Reason
}

// Unwrap exposes the loader error type so callers can use loadererrors.IsType.
func (e *TransformError) Unwrap() error {
	return loadererrors.New(loadererrors.ErrorTypeTransform, e.Error())
}

// Flatten projects one validated study into row-groups. Tables that receive no
// rows are left out of the result. raw is stored verbatim in raw_studies.
func Flatten(study *models.Study, raw []byte, ingestedAt time.Time) ([]RowGroup, error) {
	if study == nil || study.ProtocolSection == nil {
		return nil, &TransformError{Reason: "study has no protocol section"}
	}
	nctID := study.NctID()
	if nctID == "" {
		return nil, &TransformError{Reason: "study has an empty nct id"}
	}
	if !json.Valid(raw) {
		return nil, &TransformError{NctID: nctID, Reason: "raw payload is not valid JSON"}
	}
	ps := study.ProtocolSection

	b := &builder{groups: map[string]*RowGroup{}}

	status := ps.StatusModule
	if status == nil {
		status = &models.StatusModule{}
	}
	lastUpdated := dateString(status.LastUpdatePostDateStruct)
	b.add(TableRawStudies, nctID,
		normalizedDate(lastUpdated), str(lastUpdated), ingestedAt.UTC(), string(raw))

	id := ps.IdentificationModule
	startDate := dateString(status.StartDateStruct)
	completionDate := dateString(status.PrimaryCompletionDateStruct)
	var studyType, briefSummary *string
	if ps.DesignModule != nil {
		studyType = ps.DesignModule.StudyType
	}
	if ps.DescriptionModule != nil {
		briefSummary = ps.DescriptionModule.BriefSummary
	}
	b.add(TableStudies, nctID,
		str(id.BriefTitle), str(id.OfficialTitle), str(status.OverallStatus),
		normalizedDate(startDate), str(startDate),
		normalizedDate(completionDate), str(completionDate),
		str(studyType), str(briefSummary))

	if m := ps.SponsorCollaboratorsModule; m != nil {
		if m.LeadSponsor != nil {
			b.add(TableSponsors, nctID, str(m.LeadSponsor.Class), str(m.LeadSponsor.Name), true)
		}
		for _, c := range m.Collaborators {
			b.add(TableSponsors, nctID, str(c.Class), str(c.Name), false)
		}
	}

	if m := ps.ConditionsModule; m != nil {
		for _, c := range m.Conditions {
			b.add(TableConditions, nctID, c)
		}
	}

	if m := ps.ArmsInterventionsModule; m != nil {
		for _, iv := range m.Interventions {
			b.add(TableInterventions, nctID, str(iv.Type), str(iv.Name), str(iv.Description))
		}
		for _, iv := range m.Interventions {
			for _, label := range iv.ArmGroupLabels {
				b.add(TableInterventionArmGroups, nctID, str(iv.Name), label)
			}
		}
	}

	if m := ps.OutcomesModule; m != nil {
		for _, o := range m.PrimaryOutcomes {
			b.add(TableDesignOutcomes, nctID, OutcomePrimary, str(o.Measure), str(o.TimeFrame), str(o.Description))
		}
		for _, o := range m.SecondaryOutcomes {
			b.add(TableDesignOutcomes, nctID, OutcomeSecondary, str(o.Measure), str(o.TimeFrame), str(o.Description))
		}
		for _, o := range m.OtherOutcomes {
			b.add(TableDesignOutcomes, nctID, OutcomeOther, str(o.Measure), str(o.TimeFrame), str(o.Description))
		}
	}

	return b.result(), nil
}

type builder struct {
	groups map[string]*RowGroup
}

func (b *builder) add(table string, values ...any) {
	g, ok := b.groups[table]
	if !ok {
		g = &RowGroup{Table: table, Columns: tableColumns[table]}
		b.groups[table] = g
	}
	g.Rows = append(g.Rows, values)
}

func (b *builder) result() []RowGroup {
	out := make([]RowGroup, 0, len(b.groups))
	for _, table := range TableOrder {
		if g, ok := b.groups[table]; ok && len(g.Rows) > 0 {
			out = append(out, *g)
		}
	}
	return out
}

func dateString(d *models.DateStruct) *string {
	if d == nil {
		return nil
	}
	return d.Date
}

func normalizedDate(s *string) any {
	if s == nil {
		return nil
	}
	if t := NormalizeDate(*s); t != nil {
		return *t
	}
	return nil
}

func str(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}
