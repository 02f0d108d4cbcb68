package parser

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/vipul43/subtrack/internal/models"
)

// MatchResult is the outcome of matching one email against the template list
type MatchResult struct {
	Matched  bool
	Template models.Template
	Data     map[string]string
}

type compiledTemplate struct {
	tpl     models.Template
	sender  *regexp.Regexp // nil means unconstrained
	subject *regexp.Regexp
	body    map[string]*regexp.Regexp
}

// Matcher holds a compiled, ordered template list. It is immutable after
// construction and safe for concurrent use.
type Matcher struct {
	templates []compiledTemplate
}

// NewMatcher compiles every pattern case-insensitively. The slice order is
// the match priority and is preserved.
func NewMatcher(templates []models.Template) (*Matcher, error) {
	m := &Matcher{templates: make([]compiledTemplate, 0, len(templates))}

	for _, t := range templates {
		ct := compiledTemplate{tpl: t, body: make(map[string]*regexp.Regexp, len(t.BodyPatterns))}

		var err error
		if ct.sender, err = compileOptional(t.SenderPattern); err != nil {
			return nil, fmt.Errorf("template %s: sender pattern: %w", t.ServiceName, err)
		}
		if ct.subject, err = compileOptional(t.SubjectPattern); err != nil {
			return nil, fmt.Errorf("template %s: subject pattern: %w", t.ServiceName, err)
		}
		for field, pattern := range t.BodyPatterns {
			re, err := compileOptional(pattern)
			if err != nil {
				return nil, fmt.Errorf("template %s: body pattern %s: %w", t.ServiceName, field, err)
			}
			if re != nil {
				ct.body[field] = re
			}
		}

		m.templates = append(m.templates, ct)
	}

	return m, nil
}

func compileOptional(pattern string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, nil
	}
	return regexp.Compile("(?i)" + pattern)
}

// Len returns the number of templates
func (m *Matcher) Len() int {
	return len(m.templates)
}

// Match returns the first template, in list order, whose sender and subject
// patterns both match and whose body patterns extract an amount or a date.
// This is first-match, not best-match.
func (m *Matcher) Match(h Headers, body string) MatchResult {
	for _, ct := range m.templates {
		if ct.sender != nil && !ct.sender.MatchString(h.From) {
			continue
		}
		if ct.subject != nil && !ct.subject.MatchString(h.Subject) {
			continue
		}

		data := extract(ct.body, body)
		if data[models.FieldAmount] == "" && data[models.FieldDate] == "" {
			continue
		}

		return MatchResult{Matched: true, Template: ct.tpl, Data: data}
	}

	return MatchResult{}
}

// extract runs every body pattern. A field's value is its first capture
// group when the pattern has one, else the whole match.
func extract(patterns map[string]*regexp.Regexp, body string) map[string]string {
	data := make(map[string]string, len(patterns))
	for field, re := range patterns {
		m := re.FindStringSubmatch(body)
		if m == nil {
			continue
		}
		value := m[0]
		if len(m) > 1 {
			value = m[1]
		}
		if value = strings.TrimSpace(value); value != "" {
			data[field] = value
		}
	}
	return data
}
