// ABOUTME: Entry point for the voicewarden lifecycle coordinator
// ABOUTME: Wires the store, platform gateway and coordinator, and runs the event loop

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/voicewarden/voicewarden/internal/config"
	"github.com/voicewarden/voicewarden/internal/coordinator"
	"github.com/voicewarden/voicewarden/internal/platform"
	"github.com/voicewarden/voicewarden/internal/store"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
             _                                 _
__   _____ (_) ___ _____      ____ _ _ __ __| | ___ _ __
\ \ / / _ \| |/ __/ _ \ \ /\ / / _' | '__/ _' |/ _ \ '_ \
 \ V / (_) | | (_|  __/\ V  V / (_| | | | (_| |  __/ | | |
  \_/ \___/|_|\___\___| \_/\_/ \__,_|_|  \__,_|\___|_| |_|
`

// eventWorkers bounds how many voice events are handled concurrently.
// Per-channel ordering is preserved by the coordinator's keyed sections.
const eventWorkers = 64

// getConfigPath returns the path to the voicewarden config file.
// Priority: VOICEWARDEN_CONFIG env var > XDG_CONFIG_HOME/voicewarden/config.yaml > ~/.config/voicewarden/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("VOICEWARDEN_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "voicewarden", "config.yaml")
}

// getDataPath returns the path to the voicewarden data directory.
// Priority: XDG_DATA_HOME/voicewarden > ~/.local/share/voicewarden
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "voicewarden")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: voicewarden <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve [--fake]   Connect to the platform and run the coordinator")
		fmt.Println("  init             Write a default config file")
		fmt.Println("  reconcile        Heal the registry against the live platform and exit")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "reconcile":
		err = runReconcile(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	useFake := false
	for _, arg := range os.Args[2:] {
		switch arg {
		case "--fake":
			useFake = true
		default:
			return fmt.Errorf("unknown flag: %s", arg)
		}
	}

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	if useFake {
		green.Print("    ▶ ")
		fmt.Printf("Gateway:  ")
		color.New(color.FgYellow).Println("fake (in-memory)")
	}
	fmt.Println()

	logger.Info("starting voicewarden", "config", configPath, "database", cfg.Database.Path)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	var gw platform.Gateway
	if useFake {
		gw = platform.NewFakeGateway()
	} else {
		if cfg.Discord.Token == "" {
			return fmt.Errorf("discord.token is required (set it in %s)", configPath)
		}
		dg, err := platform.NewDiscordGateway(cfg.Discord.Token, logger)
		if err != nil {
			return fmt.Errorf("connecting to platform: %w", err)
		}
		defer dg.Close()
		gw = dg
	}

	coord := coordinator.New(st, gw, coordinatorOptions(cfg.Coordinator), logger)

	// Heal registries left over from the previous run before consuming
	// new events.
	configs, err := st.ListGuildConfigs(ctx)
	if err != nil {
		return fmt.Errorf("listing guilds: %w", err)
	}
	for _, gc := range configs {
		if err := coord.Reconcile(ctx, gc.GuildID); err != nil {
			logger.Error("startup reconcile failed", "guild", gc.GuildID, "error", err)
		}
	}

	return runEventLoop(ctx, cfg, coord, gw, logger)
}

// runEventLoop consumes voice events with bounded concurrency and drives
// the periodic sweep until the context ends or the event stream closes.
func runEventLoop(ctx context.Context, cfg *config.Config, coord *coordinator.Coordinator, gw platform.Gateway, logger *slog.Logger) error {
	sweepInterval := cfg.Coordinator.SweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 5 * time.Minute
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	sem := make(chan struct{}, eventWorkers)
	var wg sync.WaitGroup
	events := gw.Events()

	logger.Info("event loop running", "sweep_interval", sweepInterval)

	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			logger.Info("shutting down")
			return nil

		case <-ticker.C:
			if err := coord.Sweep(ctx); err != nil {
				logger.Warn("sweep finished with errors", "error", err)
			}

		case ev, ok := <-events:
			if !ok {
				wg.Wait()
				return fmt.Errorf("event stream closed")
			}
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				if err := coord.HandleVoiceEvent(ctx, ev); err != nil {
					logger.Error("handling voice event failed",
						"guild", ev.GuildID, "user", ev.UserID, "error", err)
				}
			}()
		}
	}
}

func runReconcile(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	if cfg.Discord.Token == "" {
		return fmt.Errorf("discord.token is required")
	}
	gw, err := platform.NewDiscordGateway(cfg.Discord.Token, logger)
	if err != nil {
		return fmt.Errorf("connecting to platform: %w", err)
	}
	defer gw.Close()

	coord := coordinator.New(st, gw, coordinatorOptions(cfg.Coordinator), logger)

	configs, err := st.ListGuildConfigs(ctx)
	if err != nil {
		return fmt.Errorf("listing guilds: %w", err)
	}
	for _, gc := range configs {
		if err := coord.Reconcile(ctx, gc.GuildID); err != nil {
			return fmt.Errorf("reconciling guild %s: %w", gc.GuildID, err)
		}
		fmt.Printf("reconciled guild %s\n", gc.GuildID)
	}
	return nil
}

func coordinatorOptions(cc config.CoordinatorConfig) coordinator.Options {
	return coordinator.Options{
		LockWaitTimeout: cc.LockWaitTimeout,
		DebounceWindow:  cc.DebounceWindow,
		AuditListMax:    cc.AuditListMax,
		NameMaxLen:      cc.NameMaxLen,
		LimitMax:        cc.LimitMax,
	}
}

func runInit() error {
	configPath := getConfigPath()
	dbPath := filepath.Join(getDataPath(), "voicewarden.db")

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	configContent := fmt.Sprintf(`# voicewarden configuration
# Generated by voicewarden init

database:
  path: "%s"

discord:
  # Bot token; ${VAR} references are expanded from the environment.
  token: "${DISCORD_TOKEN}"

coordinator:
  lock_wait_timeout: "5s"
  debounce_window: "3s"
  sweep_interval: "5m"
  audit_list_max: 50
  name_max_len: 100
  limit_max: 99

logging:
  level: "info"
  format: "text"
`, dbPath)

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(configContent), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Printf("Config written to %s\n", configPath)
	fmt.Println("\nTo start the coordinator:")
	fmt.Printf("  voicewarden serve\n")
	return nil
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
