package testutil

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"redeemcli/internal/activation"
)

func TestCaptureHandler(t *testing.T) {
	t.Run("captures level and attrs", func(t *testing.T) {
		logger, h := NewTestLogger(nil)
		logger.Info("run started", slog.String("run_id", "r1"))
		logger.Error("run failed", slog.Int("status", 502))

		require.Len(t, h.Records(), 2)
		rec := RequireLogged(t, h, slog.LevelError, "failed")
		assert.EqualValues(t, 502, rec.Attrs["status"])
		assert.Len(t, h.AtLevel(slog.LevelInfo), 1)
	})

	t.Run("derived loggers share the sink", func(t *testing.T) {
		logger, h := NewTestLogger(nil)
		logger.With(slog.String("component", "engine")).WithGroup("http").Warn("slow", slog.Int("ms", 900))

		rec, ok := h.Find("slow")
		require.True(t, ok)
		assert.Equal(t, "engine", rec.Attrs["component"])
		assert.EqualValues(t, 900, rec.Attrs["http.ms"])
	})

	t.Run("reset", func(t *testing.T) {
		logger, h := NewTestLogger(nil)
		logger.Debug("noise")
		h.Reset()
		assert.Empty(t, h.Records())
		AssertNoErrors(t, h)
	})
}

func TestFixtures(t *testing.T) {
	rec := Record("7", false, WithMethod(activation.MethodPortal), WithKeyCount(3))
	assert.Equal(t, "run-7", rec.RunID)
	assert.Equal(t, activation.StateError, rec.State)
	assert.Equal(t, activation.MethodPortal, rec.Method)
	assert.Equal(t, 3, rec.KeyCount)

	for _, k := range Keys(4) {
		norm, err := activation.NormalizeKey(k)
		require.NoError(t, err)
		assert.Equal(t, k, norm)
	}
}
