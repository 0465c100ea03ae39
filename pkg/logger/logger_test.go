package logger_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/oceanbase/contextmem-go/pkg/logger"
)

func TestNewWithWriters(t *testing.T) {
	var a, b bytes.Buffer
	l := logger.NewWithWriters("info", &a, &b)
	l.Info("upsert", zap.Int("inserted", 3))
	l.Debug("hidden")

	for _, buf := range []*bytes.Buffer{&a, &b} {
		out := buf.String()
		assert.Contains(t, out, "INFO")
		assert.Contains(t, out, "upsert")
		assert.Contains(t, out, `"inserted": 3`)
		assert.NotContains(t, out, "hidden")
	}
}

func TestDebugLevel(t *testing.T) {
	var buf bytes.Buffer
	l := logger.NewWithWriters("DEBUG", &buf)
	l.Debug("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.WarnLevel, logger.ParseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, logger.ParseLevel(" error "))
	assert.Equal(t, zapcore.InfoLevel, logger.ParseLevel("verbose"))
	assert.Equal(t, zapcore.InfoLevel, logger.ParseLevel(""))
}
