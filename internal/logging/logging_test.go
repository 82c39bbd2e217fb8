package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jobmatch/eventgen/internal/config"
)

func TestNewWithOutput_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput(config.LogConfig{Level: "debug", Format: "json"}, &buf)

	logger.WithField("job_id", "abc").Debug("load job submitted")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "load job submitted", entry["msg"])
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "abc", entry["job_id"])
	assert.Contains(t, entry, "time")
}

func TestNewWithOutput_Levels(t *testing.T) {
	tests := []struct {
		level string
		want  logrus.Level
	}{
		{"debug", logrus.DebugLevel},
		{"warn", logrus.WarnLevel},
		{"ERROR", logrus.ErrorLevel},
		{"", logrus.InfoLevel},
		{"chatty", logrus.InfoLevel},
	}
	for _, tt := range tests {
		logger := NewWithOutput(config.LogConfig{Level: tt.level}, &bytes.Buffer{})
		assert.Equal(t, tt.want, logger.GetLevel(), tt.level)
	}
}

func TestNewWithOutput_Text(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithOutput(config.LogConfig{Level: "info", Format: "text"}, &buf)
	logger.Info("hello")
	assert.Contains(t, buf.String(), `msg=hello`)
}
