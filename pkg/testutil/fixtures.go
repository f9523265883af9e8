package testutil

import (
	"fmt"

	"github.com/goccy/go-json"
)

// StudyShape controls how many child entries StudyJSON generates.
type StudyShape struct {
	Collaborators     int
	Conditions        int
	Interventions     int
	ArmLabelsEach     int
	PrimaryOutcomes   int
	SecondaryOutcomes int
	OtherOutcomes     int
	LastUpdate        string
	BriefTitle        string
}

// E2EShape is one lead sponsor, 6 conditions, 12 interventions and 8 outcomes.
var E2EShape = StudyShape{
	Conditions:        6,
	Interventions:     12,
	PrimaryOutcomes:   2,
	SecondaryOutcomes: 5,
	OtherOutcomes:     1,
	LastUpdate:        "2024-03-15",
	BriefTitle:        "A Study of Something",
}

// StudyJSON builds a study payload in the API's shape. The lead sponsor is
// always present.
func StudyJSON(nctID string, shape StudyShape) []byte {
	conditions := make([]string, 0, shape.Conditions)
	for i := 0; i < shape.Conditions; i++ {
		conditions = append(conditions, fmt.Sprintf("Condition %d", i+1))
	}

	collaborators := make([]map[string]any, 0, shape.Collaborators)
	for i := 0; i < shape.Collaborators; i++ {
		collaborators = append(collaborators, map[string]any{
			"name":  fmt.Sprintf("Collaborator %d", i+1),
			"class": "OTHER",
		})
	}

	var armGroups []map[string]any
	interventions := make([]map[string]any, 0, shape.Interventions)
	for i := 0; i < shape.Interventions; i++ {
		labels := make([]string, 0, shape.ArmLabelsEach)
		for j := 0; j < shape.ArmLabelsEach; j++ {
			label := fmt.Sprintf("Arm %d", j+1)
			labels = append(labels, label)
			if i == 0 {
				armGroups = append(armGroups, map[string]any{"label": label, "type": "EXPERIMENTAL"})
			}
		}
		iv := map[string]any{
			"type":        "DRUG",
			"name":        fmt.Sprintf("Drug %d", i+1),
			"description": "An intervention",
		}
		if len(labels) > 0 {
			iv["armGroupLabels"] = labels
		}
		interventions = append(interventions, iv)
	}

	outcomes := func(kind string, n int) []map[string]any {
		out := make([]map[string]any, 0, n)
		for i := 0; i < n; i++ {
			out = append(out, map[string]any{
				"measure":     fmt.Sprintf("%s measure %d", kind, i+1),
				"timeFrame":   "12 weeks",
				"description": "Outcome description",
			})
		}
		return out
	}

	title := shape.BriefTitle
	if title == "" {
		title = "Study " + nctID
	}
	lastUpdate := shape.LastUpdate
	if lastUpdate == "" {
		lastUpdate = "2024-01-01"
	}

	doc := map[string]any{
		"protocolSection": map[string]any{
			"identificationModule": map[string]any{
				"nctId":         nctID,
				"briefTitle":    title,
				"officialTitle": "Official " + title,
			},
			"statusModule": map[string]any{
				"overallStatus":               "RECRUITING",
				"startDateStruct":             map[string]any{"date": "2023-07", "type": "ACTUAL"},
				"primaryCompletionDateStruct": map[string]any{"date": "2025-12-31", "type": "ESTIMATED"},
				"lastUpdatePostDateStruct":    map[string]any{"date": lastUpdate, "type": "ACTUAL"},
			},
			"sponsorCollaboratorsModule": map[string]any{
				"leadSponsor":   map[string]any{"name": "Lead Sponsor Inc", "class": "INDUSTRY"},
				"collaborators": collaborators,
			},
			"descriptionModule": map[string]any{"briefSummary": "Summary of " + nctID},
			"conditionsModule":  map[string]any{"conditions": conditions},
			"designModule":      map[string]any{"studyType": "INTERVENTIONAL", "phases": []string{"PHASE2"}},
			"armsInterventionsModule": map[string]any{
				"armGroups":     armGroups,
				"interventions": interventions,
			},
			"outcomesModule": map[string]any{
				"primaryOutcomes":   outcomes("Primary", shape.PrimaryOutcomes),
				"secondaryOutcomes": outcomes("Secondary", shape.SecondaryOutcomes),
				"otherOutcomes":     outcomes("Other", shape.OtherOutcomes),
			},
		},
		"hasResults": false,
	}

	b, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return b
}

// StudiesPage renders an API page holding the given studies.
func StudiesPage(nextPageToken string, studies ...[]byte) []byte {
	raw := make([]json.RawMessage, 0, len(studies))
	for _, s := range studies {
		raw = append(raw, s)
	}
	page := map[string]any{"studies": raw}
	if nextPageToken != "" {
		page["nextPageToken"] = nextPageToken
	}
	b, err := json.Marshal(page)
	if err != nil {
		panic(err)
	}
	return b
}
