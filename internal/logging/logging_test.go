package logging_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dineshreddyk/sysrepo-go/internal/config"
	"github.com/dineshreddyk/sysrepo-go/internal/logging"
)

func TestNew_BuildsLoggerForValidLevel(t *testing.T) {
	logger, err := logging.New(config.LoggingConfig{Level: "debug"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	defer logger.Sync()

	logger.Info("hello")
}

func TestNew_RejectsInvalidLevel(t *testing.T) {
	_, err := logging.New(config.LoggingConfig{Level: "not-a-level"})
	assert.Error(t, err)
}

func TestNew_BuildsLoggerForInfoLevel(t *testing.T) {
	logger, err := logging.New(config.LoggingConfig{Level: "info"})
	require.NoError(t, err)
	defer logger.Sync()

	assert.NotNil(t, logger.Core())
}
