package validation_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/idgen"
	"github.com/pesio-ai/ap-invoice-engine/internal/validation"
)

func TestEngineRunAggregatesAllRules(t *testing.T) {
	ext := completeExtraction()
	engine := validation.NewEngine(validation.Context{Tolerance: validation.DefaultTolerance})

	v := engine.Run(context.Background(), idgen.New(), ext)

	require.NotEmpty(t, v.Checks)
	assert.True(t, v.Passed)
	assert.Equal(t, validation.RulesVersion, v.RulesVersion)
}

func TestEngineRunFlagsEveryDefectAtOnce(t *testing.T) {
	ext := completeExtraction()
	delete(ext.Header, "vendor_name")
	ext.Header["total_amount"] = field("-5.00")

	engine := validation.NewEngine(validation.Context{Tolerance: validation.DefaultTolerance})
	v := engine.Run(context.Background(), idgen.New(), ext)

	assert.False(t, v.Passed)
	failed := domain.FailedErrors(v.Checks)
	assert.GreaterOrEqual(t, len(failed), 2)
}

func TestQualifiesForAutoApprovalRequiresPassAndConfidence(t *testing.T) {
	ext := completeExtraction()
	for name, f := range ext.Header {
		f.Confidence = 0.99
		ext.Header[name] = f
	}
	for i, line := range ext.Lines {
		for name, f := range line.Fields {
			f.Confidence = 0.99
			line.Fields[name] = f
		}
		ext.Lines[i] = line
	}

	engine := validation.NewEngine(validation.Context{Tolerance: validation.DefaultTolerance, AutoApproveConfidence: 0.85})
	v := engine.Run(context.Background(), idgen.New(), ext)

	assert.True(t, engine.QualifiesForAutoApproval(v, ext))
}

func TestQualifiesForAutoApprovalFailsBelowThreshold(t *testing.T) {
	ext := completeExtraction()
	f := ext.Header["vendor_name"]
	f.Confidence = 0.40
	ext.Header["vendor_name"] = f

	engine := validation.NewEngine(validation.Context{Tolerance: validation.DefaultTolerance, AutoApproveConfidence: 0.85})
	v := engine.Run(context.Background(), idgen.New(), ext)

	assert.False(t, engine.QualifiesForAutoApproval(v, ext))
}
