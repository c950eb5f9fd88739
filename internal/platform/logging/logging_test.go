package logging_test

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/pesio-ai/ap-invoice-engine/internal/platform/logging"
	"github.com/stretchr/testify/require"
)

func TestNewEmitsStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(logging.Config{
		Level:       "info",
		Environment: "production",
		ServiceName: "ap-invoice-engine",
		Version:     "test",
		Writer:      &buf,
	})

	log.Info().Str("invoice_id", "abc").Msg("invoice created")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "ap-invoice-engine", line["service"])
	require.Equal(t, "abc", line["invoice_id"])
	require.Equal(t, "invoice created", line["message"])
}

func TestNewDefaultsToInfoLevel(t *testing.T) {
	var buf bytes.Buffer
	log := logging.New(logging.Config{Writer: &buf})

	log.Debug().Msg("should be filtered")
	require.Zero(t, buf.Len())

	log.Info().Msg("should pass")
	require.NotZero(t, buf.Len())
}
