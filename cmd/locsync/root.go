package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/OCAP2/locsync/internal/config"
	"github.com/OCAP2/locsync/internal/logging"
	intOtel "github.com/OCAP2/locsync/internal/otel"
	"github.com/OCAP2/locsync/internal/session"
	"github.com/OCAP2/locsync/internal/store"
)

// app carries the state shared by every subcommand.
type app struct {
	configDir string
	logLevel  string

	sessionStart time.Time
	slogManager  *logging.SlogManager
	logger       *slog.Logger
	logFile      *os.File
	otelProvider *intOtel.Provider
	session      *session.Context

	// errOut receives logs of one-shot commands
	errOut io.Writer
}

func newApp(errOut io.Writer) *app {
	return &app{
		sessionStart: time.Now(),
		slogManager:  logging.NewSlogManager(),
		errOut:       errOut,
	}
}

func newRootCmd() *cobra.Command {
	return buildRootCmd(newApp(os.Stderr))
}

func buildRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   AppName,
		Short: "Sync group member locations onto a map",
		Long: `locsync polls a remote location store for the members of a group and
keeps one map marker per member up to date.

It also carries the one-shot setup commands used to register members,
create groups and publish locations.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.shutdown(cmd.Context())
		},
	}

	root.PersistentFlags().StringVar(&a.configDir, "config-dir", ".", "directory holding "+config.FileName)
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(a),
		newUserCmd(a),
		newGroupCmd(a),
		newLocationCmd(a),
		newIconCmd(a),
		newStatusCmd(a),
		newVersionCmd(),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	if err := config.Load(a.configDir); err != nil {
		return err
	}
	if err := viper.BindPFlag("logLevel", cmd.Flags().Lookup("log-level")); err != nil {
		return err
	}
	a.logLevel = viper.GetString("logLevel")

	syncCfg := config.GetSyncConfig()
	a.session = session.NewContext(syncCfg.GroupIdentifier, syncCfg.BucketName)
	loadErr := a.session.Load(a.configDir)
	if loadErr != nil && !errors.Is(loadErr, session.ErrNoSession) {
		return loadErr
	}
	a.slogManager.SetContextProvider(a.session.LogAttrs)
	a.slogManager.Setup(a.errOut, a.logLevel, nil)
	a.logger = a.slogManager.Logger()

	// the session group wins over sync.groupIdentifier
	if groupID, _ := a.session.Group(); loadErr == nil && groupID != syncCfg.GroupIdentifier {
		a.logger.Warn("Session group overrides configured group",
			"sessionGroup", groupID,
			"configGroup", syncCfg.GroupIdentifier,
			"session", filepath.Join(a.configDir, session.FileName))
	}
	return nil
}

// setupFileLogging moves logging to the session log file and starts the
// OTel provider and the Graylog handler when configured.
func (a *app) setupFileLogging(ctx context.Context) error {
	logsDir := viper.GetString("logsDir")
	if err := os.MkdirAll(logsDir, 0o755); err != nil {
		return fmt.Errorf("failed to create logs dir: %w", err)
	}

	path := logging.LogFilePath(logsDir, AppName, a.sessionStart)
	if _, err := os.Stat(path); err == nil {
		_ = os.Rename(path, path+".old")
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o666)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}
	a.logFile = f

	otelCfg := config.GetOTelConfig()
	if otelCfg.Enabled {
		a.otelProvider, err = intOtel.New(ctx, intOtel.ConfigFrom(otelCfg, f))
		if err != nil {
			a.logger.Error("Failed to initialize OTel provider", "error", err)
		}
	}

	var extra []slog.Handler
	if viper.GetBool("graylog.enabled") {
		addr := viper.GetString("graylog.address")
		w, err := logging.NewGraylogWriter(addr)
		if err != nil {
			a.logger.Error("Failed to connect to Graylog", "address", addr, "error", err)
		} else {
			extra = append(extra, logging.NewGELFHandler(w, levelVar(a.logLevel)))
		}
	}

	var provider *sdklog.LoggerProvider
	if a.otelProvider != nil {
		provider = a.otelProvider.LoggerProvider()
	}
	a.slogManager.Setup(f, a.logLevel, provider, extra...)
	a.logger = a.slogManager.Logger()
	a.logger.Info("Logging to file", "path", path, "version", CurrentVersion)
	return nil
}

func (a *app) shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := a.slogManager.Flush(ctx); err != nil {
		a.logger.Warn("Failed to flush logs", "error", err)
	}
	if a.otelProvider != nil {
		if err := a.otelProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("Failed to shut down OTel provider", "error", err)
		}
	}
	if a.logFile != nil {
		return a.logFile.Close()
	}
	return nil
}

// zerologger returns the zerolog logger used by the database and influx managers.
func (a *app) zerologger() zerolog.Logger {
	var w io.Writer = a.errOut
	if a.logFile != nil {
		w = a.logFile
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(a.logLevel))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}

// openStore creates and initializes the configured store backend for the
// session group.
func (a *app) openStore(ctx context.Context) (store.Backend, error) {
	groupID, bucket := a.session.Group()
	backend, err := store.NewBackend(ctx, config.GetStoreConfig(), groupID, bucket, a.zerologger())
	if err != nil {
		return nil, err
	}
	if t, ok := backend.(tokenHolder); ok && a.session.Token() != "" {
		t.SetToken(a.session.Token())
	}
	if err := backend.Init(ctx); err != nil {
		backend.Close()
		return nil, fmt.Errorf("failed to initialize %s store: %w", config.GetStoreConfig().Type, err)
	}
	return backend, nil
}

// tokenHolder is implemented by stores that authenticate with a bearer token.
type tokenHolder interface {
	Token() string
	SetToken(token string)
}

func levelVar(level string) slog.Leveler {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}
