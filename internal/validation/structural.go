package validation

import (
	"context"
	"regexp"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
)

var amountFieldPattern = regexp.MustCompile(`_amount$`)

// StructuralRules returns the deterministic field-presence and format
// checks from §4.5.1, run before anything that needs external data.
func StructuralRules() []Rule {
	return []Rule{
		{Name: "missing_required_field", Category: "structural", Severity: domain.SeverityError, Apply: checkRequiredFields},
		{Name: "invalid_field_format", Category: "structural", Severity: domain.SeverityError, Apply: checkFieldFormats},
		{Name: "no_line_items", Category: "structural", Severity: domain.SeverityError, Apply: checkHasLines},
	}
}

func checkRequiredFields(_ context.Context, ext *domain.Extraction, _ Context) Outcome {
	for _, name := range RequiredFields {
		if name == "lines" {
			if len(ext.Lines) == 0 {
				return Fail(MissingRequiredField, map[string]any{"field": "lines"})
			}
			continue
		}
		f, ok := ext.Field(name)
		if !ok || f.Value == "" {
			return Fail(MissingRequiredField, map[string]any{"field": name})
		}
	}
	return Pass()
}

func checkFieldFormats(_ context.Context, ext *domain.Extraction, _ Context) Outcome {
	if f, ok := ext.Field("invoice_date"); ok && f.Value != "" {
		if _, err := time.Parse("2006-01-02", f.Value); err != nil {
			return Fail(InvalidFieldFormat, map[string]any{"field": "invoice_date", "value": f.Value})
		}
	}

	for name, f := range ext.Header {
		if !amountFieldPattern.MatchString(name) || f.Value == "" {
			continue
		}
		if _, err := decimal.NewFromString(f.Value); err != nil {
			return Fail(InvalidFieldFormat, map[string]any{"field": name, "value": f.Value})
		}
	}
	return Pass()
}

func checkHasLines(_ context.Context, ext *domain.Extraction, _ Context) Outcome {
	if len(ext.Lines) == 0 {
		return Fail(NoLineItems, nil)
	}
	return Pass()
}
