package rules

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/kmxunan/0C-sub003/internal/models"
)

// ruleFile is the YAML layout of a rules file
type ruleFile struct {
	Rules []fileRule `yaml:"rules"`
}

type fileRule struct {
	ID                  string          `yaml:"id"`
	Name                string          `yaml:"name"`
	DataType            string          `yaml:"data_type"`
	DeviceID            string          `yaml:"device_id"`
	Severity            string          `yaml:"severity"`
	Condition           any             `yaml:"condition"`
	Actions             []models.Action `yaml:"actions"`
	DescriptionTemplate string          `yaml:"description_template"`
	IsActive            *bool           `yaml:"is_active"`
}

// DecodeFile parses a YAML rules file into records. Conditions are written
// in YAML with the same shape as the JSON form and converted to JSON here.
func DecodeFile(data []byte) ([]models.RuleRecord, error) {
	var f ruleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	out := make([]models.RuleRecord, 0, len(f.Rules))
	for i, r := range f.Rules {
		rec := models.RuleRecord{
			ID:                  r.ID,
			Name:                r.Name,
			DataType:            r.DataType,
			DeviceID:            r.DeviceID,
			Severity:            models.Severity(r.Severity),
			DescriptionTemplate: r.DescriptionTemplate,
			IsActive:            r.IsActive == nil || *r.IsActive,
		}

		if r.Condition != nil {
			raw, err := json.Marshal(r.Condition)
			if err != nil {
				return nil, fmt.Errorf("rules[%d].condition: %w", i, err)
			}
			rec.ConditionTree = raw
		}

		if len(r.Actions) > 0 {
			raw, err := json.Marshal(r.Actions)
			if err != nil {
				return nil, fmt.Errorf("rules[%d].actions: %w", i, err)
			}
			rec.Actions = raw
		}

		out = append(out, rec)
	}
	return out, nil
}
