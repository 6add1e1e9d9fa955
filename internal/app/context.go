// Package app wires the workspace: configuration, logger, catalog database
// and the protocol codec shared by the manager and its clients.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"

	"keepsake/internal/config"
	"keepsake/internal/db"
	"keepsake/internal/devicemgr"
	"keepsake/internal/engine"
	"keepsake/internal/migrate"
	"keepsake/internal/protocol"
)

// Env is everything a command needs from an opened workspace.
type Env struct {
	Workspace string
	Config    *config.Config
	Logger    *slog.Logger
	DB        *sql.DB
	Engine    engine.Engine

	closers []io.Closer
}

// Options tune Open.
type Options struct {
	// ConfigPath overrides <workspace>/keepsake.yml.
	ConfigPath string
	// Stderr receives log output when no log file is configured.
	Stderr io.Writer
}

// Open loads configuration, builds the logger and opens the migrated
// catalog for workspace.
func Open(ctx context.Context, workspace string, opts Options) (*Env, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.ConfigPath != "" {
		cfg, err = config.FromFile(opts.ConfigPath)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	env := &Env{Workspace: workspace, Config: cfg}
	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	logger, closer, err := NewLogger(cfg.Log, workspace, stderr)
	if err != nil {
		return nil, err
	}
	env.Logger = logger
	if closer != nil {
		env.closers = append(env.closers, closer)
	}

	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	env.DB = conn
	env.closers = append(env.closers, conn)
	if err := conn.PingContext(ctx); err != nil {
		env.Close()
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		env.Close()
		return nil, fmt.Errorf("migrate catalog: %w", err)
	}
	env.Engine = engine.New(conn)
	return env, nil
}

// Close releases the database and the log file, newest first.
func (e *Env) Close() error {
	var first error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	e.closers = nil
	return first
}

// Codec is the protocol codec described by the manager config.
func (e *Env) Codec() protocol.Codec {
	return CodecFor(e.Config.Manager)
}

func CodecFor(m config.ManagerConfig) protocol.Codec {
	c := protocol.Default()
	if len(m.Delimiter) == 1 {
		c.Delimiter = m.Delimiter[0]
	}
	if m.MaxMessageSize > 0 {
		c.MaxMessageSize = m.MaxMessageSize
	}
	return c
}

// ManagerConfig is the device manager configuration for this workspace.
func (e *Env) ManagerConfig() devicemgr.Config {
	m := e.Config.Manager
	return devicemgr.Config{
		SocketPath:           m.SocketPath,
		Codec:                CodecFor(m),
		ConnectionTimeout:    m.ConnectionTimeout,
		MessageTimeout:       m.MessageTimeout,
		CloseConnectionAfter: m.CloseConnectionAfter,
	}
}

// NewLogger builds the process logger. With a log file configured, output
// goes to a rotated file; relative paths resolve inside the workspace state
// directory.
func NewLogger(cfg config.LogConfig, workspace string, stderr io.Writer) (*slog.Logger, io.Closer, error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "", "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, nil, fmt.Errorf("unknown log level %q", cfg.Level)
	}

	var (
		out    = stderr
		closer io.Closer
	)
	if path := LogFilePath(cfg, workspace); path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		rotating := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50,
			MaxBackups: 3,
			Compress:   true,
		}
		out, closer = rotating, rotating
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler), closer, nil
}

// LogFilePath resolves the configured log file, or "" when logging to
// stderr.
func LogFilePath(cfg config.LogConfig, workspace string) string {
	if cfg.File == "" {
		return ""
	}
	if filepath.IsAbs(cfg.File) {
		return cfg.File
	}
	return filepath.Join(db.StateDir(workspace), cfg.File)
}
