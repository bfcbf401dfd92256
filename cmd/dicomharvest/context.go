package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mrsinham/dicomharvest/internal/config"
	"github.com/mrsinham/dicomharvest/internal/logging"
)

type commandContext struct {
	configFlag   *string
	logLevelFlag *string

	configOnce sync.Once
	config     config.Config
	configErr  error
}

func newCommandContext(configFlag, logLevelFlag *string) *commandContext {
	return &commandContext{
		configFlag:   configFlag,
		logLevelFlag: logLevelFlag,
	}
}

// ensureConfig loads the job file named by --config, or the defaults when
// none is given. The result is cached for the life of the command.
func (c *commandContext) ensureConfig() (config.Config, error) {
	c.configOnce.Do(func() {
		path := strings.TrimSpace(*c.configFlag)
		if path == "" {
			c.config = config.Default()
			return
		}
		cfg, err := config.Load(path)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
	})
	return c.config, c.configErr
}

// newLogger builds the run logger. Every record carries a fresh session id
// so the lines of concurrent runs sharing a log file can be told apart.
func (c *commandContext) newLogger(cfg config.Config, console io.Writer) (*slog.Logger, io.Closer, error) {
	level := cfg.Log.Level
	if flag := strings.TrimSpace(*c.logLevelFlag); flag != "" {
		level = flag
	}
	logger, closer, err := logging.New(logging.Options{
		Level:      level,
		Format:     cfg.Log.Format,
		Console:    console,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		SessionID:  uuid.NewString(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}
	return logger, closer, nil
}
