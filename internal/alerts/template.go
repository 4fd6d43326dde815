package alerts

import (
	"fmt"
	"regexp"

	"github.com/kmxunan/0C-sub003/internal/models"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

// RenderTemplate replaces each {{field}} in tpl with the value of field in
// data. Placeholders with no matching key are left as written.
func RenderTemplate(tpl string, data map[string]any) string {
	if tpl == "" {
		return ""
	}
	return placeholder.ReplaceAllStringFunc(tpl, func(match string) string {
		key := placeholder.FindStringSubmatch(match)[1]
		v, ok := data[key]
		if !ok {
			return match
		}
		return fmt.Sprint(v)
	})
}

// describe builds the alert description for a firing of rule on deviceID
func describe(rule *models.Rule, record map[string]any, dataType, deviceID string) string {
	if rule.DescriptionTemplate == "" {
		return fmt.Sprintf("%s (device: %s)", rule.Name, deviceID)
	}

	data := make(map[string]any, len(record)+5)
	for k, v := range record {
		data[k] = v
	}
	// Reading fields win over the rule context
	for k, v := range map[string]any{
		"ruleName": rule.Name,
		"ruleId":   rule.ID,
		"severity": string(rule.Severity),
		"deviceId": deviceID,
		"dataType": dataType,
	} {
		if _, ok := data[k]; !ok {
			data[k] = v
		}
	}

	return RenderTemplate(rule.DescriptionTemplate, data)
}
