package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_WritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "relay.log")
	require.NoError(t, Init(Config{Level: "debug", OutputFile: path, JSON: true}))
	t.Cleanup(func() { _ = Init(Config{Level: "info"}) })

	assert.Equal(t, path, GetCurrentLogFile())
	assert.Equal(t, logrus.DebugLevel, logrus.GetLevel())

	WithFields(logrus.Fields{"symbol": "SBIN-EQ"}).Info("position updated")

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	line := strings.TrimSpace(string(b))
	assert.Contains(t, line, `"msg":"position updated"`)
	assert.Contains(t, line, `"symbol":"SBIN-EQ"`)
}

func TestInit_BadLevelFallsBackToInfo(t *testing.T) {
	require.NoError(t, Init(Config{Level: "loud"}))
	assert.Equal(t, logrus.InfoLevel, Logger.GetLevel())
	assert.Empty(t, GetCurrentLogFile())
}
