package routing

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FileSource reads routing rules from a YAML file on every call, so edits are
// picked up by the next Reload.
//
//	rules:
//	  - id: billing-keywords
//	    name: Billing questions
//	    priority: 10
//	    conditions:
//	      - {field: description, operator: contains, value: invoice}
//	    action: assign_team
//	    action_target: team-billing
type FileSource struct {
	path string
}

// NewFileSource returns a Source backed by the YAML file at path.
func NewFileSource(path string) *FileSource {
	return &FileSource{path: path}
}

type fileRule struct {
	ID           string      `yaml:"id"`
	Name         string      `yaml:"name"`
	TeamID       *string     `yaml:"team_id"`
	IsActive     *bool       `yaml:"is_active"`
	Priority     int         `yaml:"priority"`
	Conditions   []Condition `yaml:"conditions"`
	Action       ActionType  `yaml:"action"`
	ActionTarget string      `yaml:"action_target"`
}

// ListActiveRules parses the file and returns rules that are not disabled.
// Rules without is_active are active.
func (f *FileSource) ListActiveRules(_ context.Context) ([]Rule, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	return parseRules(data)
}

func parseRules(data []byte) ([]Rule, error) {
	var doc struct {
		Rules []fileRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}

	out := make([]Rule, 0, len(doc.Rules))
	for _, fr := range doc.Rules {
		if fr.IsActive != nil && !*fr.IsActive {
			continue
		}
		out = append(out, Rule{
			ID:           fr.ID,
			Name:         fr.Name,
			TeamID:       fr.TeamID,
			IsActive:     true,
			Priority:     fr.Priority,
			Conditions:   fr.Conditions,
			Action:       fr.Action,
			ActionTarget: fr.ActionTarget,
		})
	}
	return out, nil
}
