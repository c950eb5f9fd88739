package connectors

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/pesio-ai/ap-invoice-engine/internal/domain"
	"github.com/pesio-ai/ap-invoice-engine/internal/platform/apperr"
)

// ExtractionProvider is the §6 extraction interface: an OCR/parser black
// box returning structured fields with per-field confidence. Out of scope
// for this engine per spec.md §1; implementations are supplied by the
// deployment, with InMemoryExtractionProvider standing in for dev/tests.
type ExtractionProvider interface {
	Extract(ctx context.Context, storageRef string) (*domain.Extraction, error)
}

// ConfidencePatcher is the optional §6 LLM enhancement interface: a pure
// function that may raise low-confidence fields, or leave the extraction
// unchanged on failure.
type ConfidencePatcher interface {
	PatchLowConfidence(ctx context.Context, ext *domain.Extraction, threshold float64) (*domain.Extraction, error)
}

// ExtractionAdapter wraps an ExtractionProvider and an optional
// ConfidencePatcher behind internal/workflow's Extractor interface, behind
// a circuit breaker.
type ExtractionAdapter struct {
	provider       ExtractionProvider
	patcher        ConfidencePatcher
	patchThreshold float64
	breaker        *gobreaker.CircuitBreaker
	log            zerolog.Logger
}

// NewExtractionAdapter constructs an ExtractionAdapter. A nil patcher skips
// the confidence-patching step entirely.
func NewExtractionAdapter(provider ExtractionProvider, patcher ConfidencePatcher, patchThreshold float64, log zerolog.Logger) *ExtractionAdapter {
	return &ExtractionAdapter{
		provider:       provider,
		patcher:        patcher,
		patchThreshold: patchThreshold,
		breaker:        newBreaker("extraction_provider"),
		log:            log,
	}
}

// Extract satisfies internal/workflow.Extractor: run the provider, then
// patch low-confidence fields if a patcher is configured and the result
// falls short of the threshold. A patcher failure is swallowed per its pure
// function contract — the original extraction is used unchanged.
func (a *ExtractionAdapter) Extract(ctx context.Context, inv *domain.Invoice) (*domain.Extraction, error) {
	result, err := a.breaker.Execute(func() (any, error) {
		return a.provider.Extract(ctx, inv.StorageRef)
	})
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindUnavailable, "extraction provider call failed")
	}
	ext := result.(*domain.Extraction)

	if a.patcher == nil || ext.MinConfidence() >= a.patchThreshold {
		return ext, nil
	}
	patched, patchErr := a.patcher.PatchLowConfidence(ctx, ext, a.patchThreshold)
	if patchErr != nil {
		a.log.Warn().Err(patchErr).Str("invoice_id", string(inv.ID)).Msg("confidence patcher failed, keeping original extraction")
		return ext, nil
	}
	return patched, nil
}
