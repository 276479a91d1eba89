package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/aixgo-dev/fleet/pkg/config"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "fleet.log")
	logger, closer, err := New(config.LoggingConfig{
		Level:   "debug",
		Format:  "json",
		Output:  "file",
		File:    path,
		MaxSize: 1,
	})
	require.NoError(t, err)

	logger.WithField("agent", "rpcutil").Debug("dispatching")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"agent":"rpcutil"`)
	assert.Contains(t, string(data), `"message":"dispatching"`)
}

func TestNew_Levels(t *testing.T) {
	logger, _, err := New(config.LoggingConfig{Level: "warn"})
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.LoggingConfig
	}{
		{"bad level", config.LoggingConfig{Level: "loud"}},
		{"bad format", config.LoggingConfig{Level: "info", Format: "xml"}},
		{"bad output", config.LoggingConfig{Level: "info", Output: "syslog"}},
		{"file without path", config.LoggingConfig{Level: "info", Output: "file"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := New(tt.cfg)
			assert.Error(t, err)
		})
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Error("nowhere")
	assert.NotNil(t, logger.Out)
}
