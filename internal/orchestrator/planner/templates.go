package planner

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed templates/experts.yaml
var expertCatalogYAML []byte

// Template is one expert profile subtasks are assigned to.
type Template struct {
	Name         string `yaml:"name"`
	Role         string `yaml:"role"`
	Description  string `yaml:"description"`
	SystemPrompt string `yaml:"system_prompt"`
}

// DefaultAgentType is the profile used when nothing more specific matches.
const DefaultAgentType = "fullstack"

var catalog = mustLoadCatalog()

func mustLoadCatalog() []Template {
	var doc struct {
		Experts []Template `yaml:"experts"`
	}
	if err := yaml.Unmarshal(expertCatalogYAML, &doc); err != nil {
		panic(fmt.Sprintf("planner: embedded expert catalog is invalid: %v", err))
	}
	if len(doc.Experts) == 0 {
		panic("planner: embedded expert catalog is empty")
	}
	return doc.Experts
}

// Templates returns the expert catalog in declaration order.
func Templates() []Template {
	out := make([]Template, len(catalog))
	copy(out, catalog)
	return out
}

// TemplateByName looks up an expert profile.
func TemplateByName(name string) (Template, bool) {
	for _, t := range catalog {
		if t.Name == name {
			return t, true
		}
	}
	return Template{}, false
}

// KnownAgentType reports whether the name addresses a catalog profile.
func KnownAgentType(name string) bool {
	_, ok := TemplateByName(name)
	return ok
}
