package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	crust "github.com/WelcomerTeam/Crust"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupLoggerReportsThroughBootstrap(t *testing.T) {
	// A regular file where the log directory should be.
	blocker := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))

	var buf bytes.Buffer

	bootstrap := zerolog.New(&buf)

	setupLogger(bootstrap, crust.LoggingConfiguration{
		Level:              "info",
		Directory:          filepath.Join(blocker, "crust"),
		Filename:           "crust.log",
		FileLoggingEnabled: true,
	})

	assert.Contains(t, buf.String(), "Unable to create log directory")
	assert.Contains(t, buf.String(), `"level":"warn"`)
}

func TestSetupLoggerWritesFile(t *testing.T) {
	dir := t.TempDir()

	var buf bytes.Buffer

	logger := setupLogger(zerolog.New(&buf), crust.LoggingConfiguration{
		Level:              "info",
		Directory:          dir,
		Filename:           "crust.log",
		FileLoggingEnabled: true,
	})

	logger.Info().Msg("hello")

	data, err := os.ReadFile(filepath.Join(dir, "crust.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello")
	assert.Empty(t, buf.String())
}
