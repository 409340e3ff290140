package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/subledger/pkg/contextkeys"
)

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	t.Run("debug not logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Debug("debug message")
		assert.Zero(t, buf.Len())
	})

	t.Run("info logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Info("info message")

		var entry LogEntry
		require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
		assert.Equal(t, "info", entry.Level)
		assert.Equal(t, "info message", entry.Message)
	})

	t.Run("warn and error logged at info level", func(t *testing.T) {
		buf.Reset()
		logger.Warn("warn message")
		assert.NotZero(t, buf.Len())

		buf.Reset()
		logger.Errorf("error %d", 1)
		assert.Contains(t, buf.String(), "error 1")
	})
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(DebugLevel, &buf)

	logger.WithField("tenant_id", "acme").
		WithFields(map[string]interface{}{"event_type": "customer.subscription.updated"}).
		WithError(errors.New("boom")).
		Info("applied")

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fields))
	assert.Equal(t, "acme", fields["tenant_id"])
	assert.Equal(t, "customer.subscription.updated", fields["event_type"])
	assert.Equal(t, "boom", fields["error"])
}

func TestLogger_WithNilError(t *testing.T) {
	logger := NewLogger(InfoLevel, &bytes.Buffer{})
	assert.Same(t, logger, logger.WithError(nil))
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	ctx := WithLogger(context.Background(), logger)
	ctx = contextkeys.WithRequestID(ctx, "req-123")
	ctx = contextkeys.WithTenantID(ctx, "acme")

	FromContext(ctx).Info("hello")

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &fields))
	assert.Equal(t, "req-123", fields["request_id"])
	assert.Equal(t, "acme", fields["tenant_id"])
}

func TestGetLogger_Default(t *testing.T) {
	assert.NotNil(t, GetLogger(context.Background()))
}

func TestRecoverPanic(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(InfoLevel, &buf)

	assert.NotPanics(t, func() {
		defer RecoverPanic(logger, "sync job")
		panic("boom")
	})

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "error", entry["level"])
	assert.Equal(t, "PANIC recovered", entry["message"])
	assert.Equal(t, "sync job", entry["context"])
	assert.Contains(t, entry["stack"], "goroutine")
}
