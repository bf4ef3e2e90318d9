// Package apidef loads the automation definitions that turn a job
// request into a concrete prompt. Definitions are YAML files on disk,
// validated on load and hot-reloaded when the directory changes.
package apidef

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned for unknown definition names.
var ErrNotFound = errors.New("api definition not found")

// Parameter describes one input a caller provides when launching a job.
type Parameter struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description" json:"description"`
	Type        string      `yaml:"type" json:"type"`
	Required    bool        `yaml:"required" json:"required"`
	Default     interface{} `yaml:"default,omitempty" json:"default,omitempty"`
}

// Definition is one named automation: the prompt the model receives,
// the parameters it accepts, and how it recovers and reports results.
type Definition struct {
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description" json:"description"`
	Parameters  []Parameter `yaml:"parameters" json:"parameters"`

	// Prompt is the task body. Parameter values are substituted for
	// {{name}} placeholders.
	Prompt string `yaml:"prompt" json:"prompt"`

	// PromptCleanup runs after the task to leave the application in a
	// neutral state, appended to the prompt when present.
	PromptCleanup string `yaml:"cleanup_prompt,omitempty" json:"cleanup_prompt,omitempty"`

	// RecoveryPrompt is injected when the model stalls.
	RecoveryPrompt string `yaml:"recovery_prompt,omitempty" json:"recovery_prompt,omitempty"`

	// ResponseSchema constrains the extraction tool's data argument.
	ResponseSchema map[string]interface{} `yaml:"response_schema,omitempty" json:"response_schema,omitempty"`
}

// Validate checks structural requirements on the definition itself.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return errors.New("definition name is required")
	}
	if strings.TrimSpace(d.Prompt) == "" {
		return fmt.Errorf("definition %s: prompt is required", d.Name)
	}
	seen := make(map[string]bool, len(d.Parameters))
	for _, p := range d.Parameters {
		if p.Name == "" {
			return fmt.Errorf("definition %s: parameter with empty name", d.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("definition %s: duplicate parameter %s", d.Name, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// paramSchema builds the JSON schema used to validate job parameters
// against the definition.
func (d *Definition) paramSchema() map[string]interface{} {
	props := make(map[string]interface{}, len(d.Parameters))
	var required []interface{}
	for _, p := range d.Parameters {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		props[p.Name] = map[string]interface{}{
			"type":        typ,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// ValidateParams checks the caller-supplied parameters against the
// definition and fills in defaults. It returns the effective parameter
// map used for prompt rendering.
func (d *Definition) ValidateParams(params map[string]interface{}) (map[string]interface{}, error) {
	effective := make(map[string]interface{}, len(d.Parameters))
	for _, p := range d.Parameters {
		if p.Default != nil {
			effective[p.Name] = p.Default
		}
	}
	for k, v := range params {
		effective[k] = v
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewGoLoader(d.paramSchema()),
		gojsonschema.NewGoLoader(effective),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to validate parameters: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		sort.Strings(msgs)
		return nil, fmt.Errorf("invalid parameters for %s: %s", d.Name, strings.Join(msgs, "; "))
	}
	return effective, nil
}

// BuildPrompt renders the task prompt with the effective parameters
// substituted for their {{name}} placeholders.
func (d *Definition) BuildPrompt(params map[string]interface{}) (string, error) {
	effective, err := d.ValidateParams(params)
	if err != nil {
		return "", err
	}

	prompt := d.Prompt
	for name, value := range effective {
		prompt = strings.ReplaceAll(prompt, "{{"+name+"}}", fmt.Sprintf("%v", value))
	}
	if open := strings.Index(prompt, "{{"); open >= 0 {
		if end := strings.Index(prompt[open:], "}}"); end >= 0 {
			return "", fmt.Errorf("definition %s: unresolved placeholder %s",
				d.Name, prompt[open:open+end+2])
		}
	}

	if d.PromptCleanup != "" {
		prompt = prompt + "\n\n" + d.PromptCleanup
	}
	return prompt, nil
}

// parseDefinition decodes and validates one YAML document.
func parseDefinition(data []byte) (*Definition, error) {
	var d Definition
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to parse definition: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}
