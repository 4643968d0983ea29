package worker

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Template names used by the dispatcher.
const (
	TemplateRegistration = "registration_received"
	TemplateAllotment    = "duty_allotment_confirmed"
	TemplateReminder     = "duty_reminder_tomorrow"
)

//go:embed templates.yaml
var defaultTemplates []byte

// Template describes one approved WhatsApp template.
type Template struct {
	Name     string `yaml:"name"`
	Language string `yaml:"language"`
	Params   int    `yaml:"params"`
}

// Catalog indexes templates by name.
type Catalog map[string]Template

// ParseCatalog reads a YAML template catalog.
func ParseCatalog(data []byte) (Catalog, error) {
	var doc struct {
		Templates []Template `yaml:"templates"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse template catalog: %w", err)
	}

	c := make(Catalog, len(doc.Templates))
	for _, t := range doc.Templates {
		if t.Name == "" {
			return nil, fmt.Errorf("parse template catalog: template without a name")
		}
		if t.Language == "" {
			t.Language = "en"
		}
		if t.Params < 0 {
			return nil, fmt.Errorf("parse template catalog: %s has negative params", t.Name)
		}
		c[t.Name] = t
	}
	return c, nil
}

// LoadCatalog reads the catalog at path, or the embedded default when
// path is empty.
func LoadCatalog(path string) (Catalog, error) {
	if path == "" {
		return ParseCatalog(defaultTemplates)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read template catalog: %w", err)
	}
	return ParseCatalog(data)
}

// Check validates a template name and parameter count.
func (c Catalog) Check(name string, params []string) (Template, error) {
	t, ok := c[name]
	if !ok {
		return Template{}, fmt.Errorf("unknown template %q", name)
	}
	if len(params) != t.Params {
		return Template{}, fmt.Errorf("template %s takes %d parameters, got %d", name, t.Params, len(params))
	}
	return t, nil
}
