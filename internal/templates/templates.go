// Package templates ships the default receipt templates and parses
// template files in the same format.
package templates

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/vipul43/subtrack/internal/models"
)

//go:embed templates.yaml
var defaultTemplates []byte

type file struct {
	Templates []models.Template `yaml:"templates"`
}

// Default returns the embedded template list in priority order
func Default() ([]models.Template, error) {
	return Parse(bytes.NewReader(defaultTemplates))
}

// Parse reads a template file. Order in the file is the match priority.
// Every template needs a service name and patterns that compile.
func Parse(r io.Reader) ([]models.Template, error) {
	var f file
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("template file is empty")
		}
		return nil, fmt.Errorf("failed to decode templates: %w", err)
	}

	seen := make(map[string]bool, len(f.Templates))
	for i := range f.Templates {
		t := &f.Templates[i]
		t.ServiceName = strings.TrimSpace(t.ServiceName)
		if t.ServiceName == "" {
			return nil, fmt.Errorf("template %d: service_name is required", i)
		}
		if seen[t.ServiceName] {
			return nil, fmt.Errorf("template %d: duplicate service_name %q", i, t.ServiceName)
		}
		seen[t.ServiceName] = true
		t.Position = i

		if err := validatePattern(t.SenderPattern); err != nil {
			return nil, fmt.Errorf("template %s: sender_pattern: %w", t.ServiceName, err)
		}
		if err := validatePattern(t.SubjectPattern); err != nil {
			return nil, fmt.Errorf("template %s: subject_pattern: %w", t.ServiceName, err)
		}
		for field, p := range t.BodyPatterns {
			if err := validatePattern(p); err != nil {
				return nil, fmt.Errorf("template %s: body pattern %s: %w", t.ServiceName, field, err)
			}
		}
	}

	return f.Templates, nil
}

func validatePattern(p string) error {
	if p == "" {
		return nil
	}
	_, err := regexp.Compile(p)
	return err
}
