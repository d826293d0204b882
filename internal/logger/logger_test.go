package logger_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NamanBalaji/sharebridge/internal/logger"
)

func TestLevels(t *testing.T) {
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(os.Stderr) })

	logger.DebugEnabled = false
	logger.Debugf("hidden %d", 1)
	logger.Infof("shown %d", 2)
	logger.Warnf("careful")
	logger.Errorf("broken")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "[INFO] shown 2")
	assert.Contains(t, out, "[WARNING] careful")
	assert.Contains(t, out, "[ERROR] broken")

	buf.Reset()
	logger.DebugEnabled = true
	t.Cleanup(func() { logger.DebugEnabled = false })
	logger.Debugf("visible")
	assert.Contains(t, buf.String(), "[DEBUG] visible")
}

func TestInitLoggingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "sharebridge.log")

	require.NoError(t, logger.InitLogging(false, path))
	logger.Infof("to file")
	logger.Close()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[INFO] to file")
}
