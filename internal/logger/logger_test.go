package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("create logger with console output", func(t *testing.T) {
		cfg := Config{
			Level:   "info",
			Console: true,
			Pretty:  false,
		}

		logger, err := New(cfg)
		require.NoError(t, err)
		assert.NotNil(t, logger)

		if logger != nil {
			logger.Close()
		}
	})

	t.Run("create logger with file output", func(t *testing.T) {
		tmpDir := t.TempDir()
		logFile := filepath.Join(tmpDir, "test.log")

		cfg := Config{
			Level:   "debug",
			File:    logFile,
			Console: false,
		}

		logger, err := New(cfg)
		require.NoError(t, err)
		assert.NotNil(t, logger)

		// Write a log message
		zl := logger.GetZerolog()
		zl.Info().Msg("test message")

		logger.Close()

		// Verify file was created
		_, err = os.Stat(logFile)
		assert.NoError(t, err)
	})

	t.Run("create logger with redaction", func(t *testing.T) {
		tmpDir := t.TempDir()
		logFile := filepath.Join(tmpDir, "test.log")

		cfg := Config{
			Level:     "info",
			File:      logFile,
			Console:   false,
			Redaction: true,
		}

		logger, err := New(cfg)
		require.NoError(t, err)
		assert.NotNil(t, logger)
		assert.NotNil(t, logger.redactor)

		logger.Close()
	})
}

func TestLoggerLevels(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "test.log")

	cfg := Config{
		Level:   "debug",
		File:    logFile,
		Console: false,
	}

	logger, err := New(cfg)
	require.NoError(t, err)
	defer logger.Close()

	zl := logger.GetZerolog()
	zl.Debug().Msg("debug message")
	zl.Info().Msg("info message")
	zl.Warn().Msg("warn message")
	zl.Error().Msg("error message")

	data, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "debug message")
	assert.Contains(t, string(data), "error message")
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Pretty)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 7, cfg.MaxAge)
	assert.True(t, cfg.Compress)
}

func TestLoggerWith(t *testing.T) {
	cfg := Config{
		Level:   "info",
		Console: false,
	}

	logger, err := New(cfg)
	require.NoError(t, err)
	defer logger.Close()

	childLogger := logger.GetZerolog().With().Str("component", "test").Logger()
	assert.Equal(t, zerolog.InfoLevel, childLogger.GetLevel())
}

func TestGetZerolog(t *testing.T) {
	cfg := Config{
		Level:   "info",
		Console: false,
	}

	logger, err := New(cfg)
	require.NoError(t, err)
	defer logger.Close()

	zl := logger.GetZerolog()
	assert.Equal(t, zerolog.InfoLevel, zl.GetLevel())
}
