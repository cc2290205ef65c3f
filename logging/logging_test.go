package logging

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesToPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "api.log")

	logger, err := New(Config{Level: "debug", Path: path})
	require.NoError(t, err)
	logger.Desugar().Core()
	assert.True(t, logger.Desugar().Core().Enabled(-1))
	_ = logger.Sync()
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(Config{Level: "loud"})
	require.Error(t, err)
}
