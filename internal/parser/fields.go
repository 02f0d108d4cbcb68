package parser

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/vipul43/subtrack/internal/models"
)

var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "CNY"},
}

var currencyCodeToSymbol = map[string]string{
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
	"CNY": "¥",
}

// DetectCurrency infers the currency from symbols in the raw amount text.
// Anything without €, £ or ¥ is USD.
func DetectCurrency(raw string) string {
	for _, c := range currencySymbols {
		if strings.Contains(raw, c.symbol) {
			return c.code
		}
	}
	return "USD"
}

// ParseAmount extracts a decimal amount from text such as "$15.99",
// "€9,99" or "$1,299.00". Everything except digits and separators is
// dropped. When both ',' and '.' appear the later one is the decimal mark;
// a lone ',' followed by one or two digits is a decimal comma, otherwise a
// thousands separator. Unparsable input yields 0.
func ParseAmount(raw string) float64 {
	var b strings.Builder
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			b.WriteRune(r)
		}
	}
	s := strings.Trim(b.String(), ".,")
	if s == "" {
		return 0
	}

	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(s, ",") == 1 && len(s)-lastComma-1 <= 2 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ".") > 1:
		// "1.299.000" style thousands, unless the last group is cents
		if len(s)-lastDot-1 == 2 {
			s = strings.ReplaceAll(s[:lastDot], ".", "") + s[lastDot:]
		} else {
			s = strings.ReplaceAll(s, ".", "")
		}
	}

	amount, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return amount
}

// FormatAmount renders amount with its currency symbol, e.g. "$15.99".
// ParseAmount(FormatAmount(x, c)) == x for any x with at most two decimals.
func FormatAmount(amount float64, currency string) string {
	symbol, ok := currencyCodeToSymbol[strings.ToUpper(currency)]
	if !ok {
		symbol = strings.ToUpper(currency) + " "
	}
	return symbol + strconv.FormatFloat(amount, 'f', 2, 64)
}

// ParseBillingCycle maps free text like "Renews yearly" to a cycle by
// substring: "year", then "week", then "day". Anything else is monthly.
func ParseBillingCycle(text string) models.BillingCycle {
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "year"):
		return models.CycleYearly
	case strings.Contains(lower, "week"):
		return models.CycleWeekly
	case strings.Contains(lower, "day"):
		return models.CycleDaily
	default:
		return models.CycleMonthly
	}
}

var (
	ordinalSuffix = regexp.MustCompile(`(?i)(\d)(st|nd|rd|th)\b`)
	whitespaceRun = regexp.MustCompile(`\s+`)
)

var billingDateLayouts = []string{
	"January 2, 2006",
	"Jan 2, 2006",
	"January 2 2006",
	"Jan 2 2006",
	"2 January 2006",
	"2 Jan 2006",
	"Monday, January 2, 2006",
	"Mon, Jan 2, 2006",
	"2006-01-02",
	"01/02/2006",
	"1/2/2006",
	"01/02/06",
	"02.01.2006",
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
}

// ParseNextBillingDate parses an extracted date. Missing or unparsable
// text defaults to one month after now.
func ParseNextBillingDate(text string, now time.Time) time.Time {
	s := strings.TrimSpace(text)
	s = strings.TrimSuffix(s, ".")
	s = ordinalSuffix.ReplaceAllString(s, "$1")
	s = whitespaceRun.ReplaceAllString(s, " ")

	if s != "" {
		for _, layout := range billingDateLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t
			}
		}
	}

	return now.AddDate(0, 1, 0)
}

// BuildDraft turns a successful match into a subscription draft
func BuildDraft(res MatchResult, h Headers, messageID string, now time.Time) models.SubscriptionDraft {
	rawAmount := res.Data[models.FieldAmount]

	return models.SubscriptionDraft{
		Company:         res.Template.ServiceName,
		Category:        res.Template.Category,
		Amount:          ParseAmount(rawAmount),
		Currency:        DetectCurrency(rawAmount),
		BillingCycle:    ParseBillingCycle(res.Data[models.FieldBillingCycle]),
		NextBillingDate: ParseNextBillingDate(res.Data[models.FieldDate], now),
		Notes:           "Detected from email: " + h.Subject,
		Source:          models.SourceEmail,
		SourceID:        messageID,
		Template:        res.Template.ServiceName,
	}
}
