package agent

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
)

// promptVarPattern matches placeholders like {scenario_id} in prompt templates.
var promptVarPattern = regexp.MustCompile(`\{([a-zA-Z0-9_-]{1,64})\}`)

// PromptVars returns the template variables a call context provides:
// user_id, session_id, scenario_id, turn_number, and every metadata key.
// Metadata never overrides the named fields.
func (c CallContext) PromptVars() map[string]string {
	vars := make(map[string]string, len(c.Metadata)+4)
	for k, v := range c.Metadata {
		vars[k] = v
	}
	if c.UserID != "" {
		vars["user_id"] = c.UserID
	}
	if c.SessionID != "" {
		vars["session_id"] = c.SessionID
	}
	if c.ScenarioID != "" {
		vars["scenario_id"] = c.ScenarioID
	}
	if c.TurnNumber > 0 {
		vars["turn_number"] = strconv.Itoa(c.TurnNumber)
	}
	return vars
}

// RenderPrompt replaces all {placeholder} occurrences in tmpl with values
// from cc. Returns an error if any placeholder has no matching variable.
func RenderPrompt(tmpl string, cc CallContext) (string, error) {
	return render(tmpl, cc, nil)
}

// RenderURL is RenderPrompt for URL templates: values are path-escaped.
func RenderURL(tmpl string, cc CallContext) (string, error) {
	return render(tmpl, cc, url.PathEscape)
}

func render(tmpl string, cc CallContext, escape func(string) string) (string, error) {
	if tmpl == "" {
		return "", nil
	}
	vars := cc.PromptVars()
	var missingVar string
	result := promptVarPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		// Extract the variable name (strip the braces).
		varName := match[1 : len(match)-1]
		val, ok := vars[varName]
		if !ok {
			missingVar = varName
			return match
		}
		if escape != nil {
			return escape(val)
		}
		return val
	})
	if missingVar != "" {
		return "", fmt.Errorf("template variable %q is not set on the call context", missingVar)
	}
	return result, nil
}
