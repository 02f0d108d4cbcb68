package parser

import (
	"testing"

	"github.com/vipul43/subtrack/internal/models"
)

func testTemplates() []models.Template {
	return []models.Template{
		{
			ServiceName:    "Netflix",
			Category:       "streaming",
			SenderPattern:  `netflix\.com`,
			SubjectPattern: `(payment|receipt)`,
			BodyPatterns: models.StringMap{
				models.FieldAmount: `([$€£¥]\s?[\d.,]+)`,
				models.FieldDate:   `next billing date[:\s]+([A-Za-z]+ \d{1,2}, \d{4})`,
			},
		},
		{
			ServiceName:    "Generic Receipt",
			Category:       "other",
			SubjectPattern: `receipt`,
			BodyPatterns: models.StringMap{
				models.FieldAmount: `total[:\s]+([$€£¥]\s?[\d.,]+)`,
			},
		},
	}
}

func TestMatcher_Match(t *testing.T) {
	m, err := NewMatcher(testTemplates())
	if err != nil {
		t.Fatalf("NewMatcher failed: %v", err)
	}

	tests := []struct {
		name        string
		headers     Headers
		body        string
		wantMatched bool
		wantService string
		wantAmount  string
		wantDate    string
	}{
		{
			name:        "netflix receipt",
			headers:     Headers{From: "Netflix <info@account.NETFLIX.com>", Subject: "Your Payment Receipt"},
			body:        "Amount charged: $15.99\nNext billing date: July 1, 2025",
			wantMatched: true,
			wantService: "Netflix",
			wantAmount:  "$15.99",
			wantDate:    "July 1, 2025",
		},
		{
			name:        "earlier template wins over later one",
			headers:     Headers{From: "info@netflix.com", Subject: "receipt"},
			body:        "Total: $9.99",
			wantMatched: true,
			wantService: "Netflix",
			wantAmount:  "$9.99",
		},
		{
			name:        "falls through to unconstrained sender",
			headers:     Headers{From: "billing@example.org", Subject: "Your receipt"},
			body:        "Total: €4,99",
			wantMatched: true,
			wantService: "Generic Receipt",
			wantAmount:  "€4,99",
		},
		{
			name:        "headers match but nothing extracted",
			headers:     Headers{From: "info@netflix.com", Subject: "payment"},
			body:        "Thanks for watching",
			wantMatched: false,
		},
		{
			name:        "subject mismatch",
			headers:     Headers{From: "info@netflix.com", Subject: "New arrivals"},
			body:        "$15.99",
			wantMatched: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := m.Match(tt.headers, tt.body)
			if res.Matched != tt.wantMatched {
				t.Fatalf("Matched = %v, expected %v", res.Matched, tt.wantMatched)
			}
			if !tt.wantMatched {
				return
			}
			if res.Template.ServiceName != tt.wantService {
				t.Errorf("Expected %s, got %s", tt.wantService, res.Template.ServiceName)
			}
			if res.Data[models.FieldAmount] != tt.wantAmount {
				t.Errorf("Expected amount %q, got %q", tt.wantAmount, res.Data[models.FieldAmount])
			}
			if res.Data[models.FieldDate] != tt.wantDate {
				t.Errorf("Expected date %q, got %q", tt.wantDate, res.Data[models.FieldDate])
			}
		})
	}
}

func TestMatcher_WholeMatchWithoutGroup(t *testing.T) {
	m, err := NewMatcher([]models.Template{{
		ServiceName:  "Plain",
		BodyPatterns: models.StringMap{models.FieldAmount: `\$\d+\.\d{2}`},
	}})
	if err != nil {
		t.Fatalf("NewMatcher failed: %v", err)
	}

	res := m.Match(Headers{}, "you paid $3.50 today")
	if !res.Matched || res.Data[models.FieldAmount] != "$3.50" {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestNewMatcher_InvalidPattern(t *testing.T) {
	_, err := NewMatcher([]models.Template{{ServiceName: "Broken", SenderPattern: "("}})
	if err == nil {
		t.Fatal("expected error for invalid pattern")
	}
}

func TestMatcher_Empty(t *testing.T) {
	m, err := NewMatcher(nil)
	if err != nil {
		t.Fatalf("NewMatcher failed: %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("expected 0 templates, got %d", m.Len())
	}
	if res := m.Match(Headers{Subject: "receipt"}, "$1.00"); res.Matched {
		t.Error("empty matcher should never match")
	}
}
