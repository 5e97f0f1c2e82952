// ABOUTME: Entry point for the daq-gateway device server
// ABOUTME: Accepts DAQ device sessions and relays their events to per-device channels

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/daq-gateway/internal/config"
	"github.com/2389/daq-gateway/internal/gateway"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const banner = `
     _                               _
  __| | __ _  __ _        __ _  __ _| |_ _____      ____ _ _   _
 / _' |/ _' |/ _' |_____ / _' |/ _' | __/ _ \ \ /\ / / _' | | | |
| (_| | (_| | (_| |_____| (_| | (_| | ||  __/\ V  V / (_| | |_| |
 \__,_|\__,_|\__, |      \__, |\__,_|\__\___| \_/\_/ \__,_|\__, |
                |_|      |___/                             |___/
`

// getConfigPath returns the path to the gateway config file.
// Priority: DAQ_GATEWAY_CONFIG env var > XDG_CONFIG_HOME/daq-gateway/gateway.yaml > ~/.config/daq-gateway/gateway.yaml
func getConfigPath() string {
	if envPath := os.Getenv("DAQ_GATEWAY_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "gateway.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "daq-gateway", "gateway.yaml")
}

// getDataPath returns the path to the daq-gateway data directory.
// Priority: XDG_DATA_HOME/daq-gateway > ~/.local/share/daq-gateway
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "daq-gateway")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: daq-gateway <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve     Start the gateway server")
		fmt.Println("  init      Create a new config file interactively")
		fmt.Println("  health    Check gateway health")
		fmt.Println("  devices   List known devices")
		fmt.Println("  version   Print the version")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin)
	case "health":
		err = runHealth(ctx)
	case "devices":
		err = runDevices(ctx)
	case "version":
		fmt.Println(version)
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

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, closeLog, err := setupLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer closeLog()

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Devices:   %s ", cfg.Server.DeviceAddr)
	gray.Printf("(%s)\n", cfg.Devices.DuplicatePolicy)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Channels:  %s/<device>\n", strings.TrimSuffix(cfg.Relay.Prefix, "/"))

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	if cfg.Database.Path == "" {
		yellow.Println("    ! device directory is in memory (database.path unset)")
	}

	fmt.Println()

	logger.Info("starting daq-gateway",
		"config", configPath,
		"device_addr", cfg.Server.DeviceAddr,
		"http_addr", cfg.Server.HTTPAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	// No-op after a normal Run; releases the store if Run fails before serving.
	defer func() { _ = gw.Shutdown(context.Background()) }()

	return gw.Run(ctx)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setupLogger builds the process logger. When cfg.File is set, records are
// also appended to that file as JSON.
func setupLogger(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	level := parseLevel(cfg.Level)
	opts := &slog.HandlerOptions{Level: level}

	var out io.Writer = os.Stdout
	closeFn := func() {}
	var file *os.File
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file: %w", err)
		}
		file = f
		closeFn = func() { _ = f.Close() }
	}

	var handler slog.Handler
	switch {
	case cfg.Format == "json" && file != nil:
		out = io.MultiWriter(os.Stdout, file)
		handler = slog.NewJSONHandler(out, opts)
	case cfg.Format == "json":
		handler = slog.NewJSONHandler(out, opts)
	case file != nil:
		handler = &teeHandler{
			handlers: []slog.Handler{
				&colorHandler{out: os.Stdout, level: level},
				slog.NewJSONHandler(file, opts),
			},
		}
	default:
		handler = &colorHandler{out: os.Stdout, level: level}
	}

	return slog.New(handler), closeFn, nil
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

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

	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	// Handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + prefix + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")

	writeMu.Lock()
	defer writeMu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

// writeMu serializes colorHandler writes across handlers derived via With.
var writeMu sync.Mutex

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	for _, a := range attrs {
		newAttrs = append(newAttrs, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &colorHandler{
		out:    h.out,
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		out:    h.out,
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

// teeHandler sends each record to every handler that accepts its level.
type teeHandler struct {
	handlers []slog.Handler
}

func (t *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, h := range t.handlers {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &teeHandler{handlers: next}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		next[i] = h.WithGroup(name)
	}
	return &teeHandler{handlers: next}
}

// getJSON loads the config and fetches path from the gateway HTTP API.
func getJSON(ctx context.Context, path string) (*http.Response, error) {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	url := fmt.Sprintf("http://%s%s", dialableAddr(cfg.Server.HTTPAddr), path)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return http.DefaultClient.Do(req)
}

// dialableAddr rewrites wildcard listen addresses to loopback.
func dialableAddr(addr string) string {
	switch {
	case strings.HasPrefix(addr, "0.0.0.0:"):
		return "127.0.0.1:" + strings.TrimPrefix(addr, "0.0.0.0:")
	case strings.HasPrefix(addr, ":"):
		return "127.0.0.1" + addr
	case strings.HasPrefix(addr, "[::]:"):
		return "[::1]:" + strings.TrimPrefix(addr, "[::]:")
	}
	return addr
}

func runHealth(ctx context.Context) error {
	resp, err := getJSON(ctx, "/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runDevices(ctx context.Context) error {
	resp, err := getJSON(ctx, "/api/devices")
	if err != nil {
		return fmt.Errorf("listing devices: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("listing devices: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var devices []gateway.DeviceResponse
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	printDevices(os.Stdout, devices)
	return nil
}

func printDevices(out io.Writer, devices []gateway.DeviceResponse) {
	cyan := color.New(color.FgCyan)
	fmt.Fprintln(out)
	cyan.Fprintln(out, "  Devices")
	cyan.Fprintln(out, "  -------")

	if len(devices) == 0 {
		fmt.Fprintln(out, "  (no devices)")
		fmt.Fprintln(out)
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  NAME\tSTATUS\tMESSAGES\tSUBSCRIBERS\tLAST EVENT\tCHANNEL")
	fmt.Fprintln(w, "  ----\t------\t--------\t-----------\t----------\t-------")
	for _, d := range devices {
		if d.Device == nil {
			continue
		}
		status := "offline"
		if d.Online {
			status = "online"
		}
		last := "-"
		if d.LastEvent != "" {
			last = d.LastEvent
			if d.LastMessageAt != nil {
				last += " @ " + d.LastMessageAt.Local().Format("Jan 02 15:04:05")
			}
		}
		fmt.Fprintf(w, "  %s\t%s\t%d\t%d\t%s\t%s\n", d.Name, status, d.Messages, d.Subscribers, last, d.Channel)
	}
	w.Flush()
	fmt.Fprintln(out)
}

func runInit(in io.Reader) error {
	reader := bufio.NewReader(in)

	fmt.Println("daq-gateway configuration setup")
	fmt.Println("===============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDbPath := filepath.Join(getDataPath(), "devices.db")

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if !isYes(overwrite) {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	deviceAddr := prompt(reader, "Device listener address", config.DefaultDeviceAddr)
	httpAddr := prompt(reader, "HTTP address", config.DefaultHTTPAddr)
	grpcAddr := prompt(reader, "gRPC health address (empty to disable)", "")

	fmt.Println("\n--- Device Sessions ---")
	policy := prompt(reader, "Duplicate device policy (reject/evict)", config.DefaultDuplicatePolicy)

	fmt.Println("\n--- Relay ---")
	prefix := prompt(reader, "Channel prefix", config.DefaultRelayPrefix)

	fmt.Println("\n--- Database Configuration ---")
	dbPath := prompt(reader, "SQLite database path (empty for in-memory)", defaultDbPath)

	fmt.Println("\n--- Tailscale Configuration ---")
	tailscaleEnabled := isYes(prompt(reader, "Enable Tailscale?", "no"))
	var tsHostname, tsAuthKey string
	var tsEphemeral bool
	if tailscaleEnabled {
		tsHostname = prompt(reader, "Tailscale hostname", "daq-gateway")
		tsAuthKey = prompt(reader, "Tailscale auth key (leave empty for interactive)", "")
		tsEphemeral = isYes(prompt(reader, "Ephemeral node?", "no"))
	}

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	out := renderConfig(initAnswers{
		DeviceAddr:      deviceAddr,
		HTTPAddr:        httpAddr,
		GRPCAddr:        grpcAddr,
		DuplicatePolicy: policy,
		Prefix:          prefix,
		DBPath:          dbPath,
		Tailscale:       tailscaleEnabled,
		TSHostname:      tsHostname,
		TSAuthKey:       tsAuthKey,
		TSEphemeral:     tsEphemeral,
		LogLevel:        logLevel,
		LogFormat:       logFormat,
	})

	// Refuse to write something serve would reject.
	if _, err := config.Parse([]byte(out), false); err != nil {
		return fmt.Errorf("invalid answers: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(out), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	if dbPath != "" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
		fmt.Printf("\nData directory: %s\n", filepath.Dir(dbPath))
	}

	fmt.Printf("Config written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  daq-gateway serve\n")

	return nil
}

type initAnswers struct {
	DeviceAddr      string
	HTTPAddr        string
	GRPCAddr        string
	DuplicatePolicy string
	Prefix          string
	DBPath          string
	Tailscale       bool
	TSHostname      string
	TSAuthKey       string
	TSEphemeral     bool
	LogLevel        string
	LogFormat       string
}

func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# daq-gateway configuration\n")
	cfg.WriteString(fmt.Sprintf("# Generated by daq-gateway init on %s\n\n", time.Now().Format("2006-01-02")))

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  device_addr: %q\n", a.DeviceAddr))
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", a.HTTPAddr))
	if a.GRPCAddr != "" {
		cfg.WriteString(fmt.Sprintf("  grpc_addr: %q\n", a.GRPCAddr))
	}
	cfg.WriteString("\n")

	cfg.WriteString("devices:\n")
	cfg.WriteString(fmt.Sprintf("  max_frame_bytes: %d\n", config.DefaultMaxFrameBytes))
	cfg.WriteString(fmt.Sprintf("  duplicate_policy: %q\n", a.DuplicatePolicy))
	cfg.WriteString("  read_timeout: \"0s\"\n")
	cfg.WriteString(fmt.Sprintf("  evict_timeout: %q\n", config.DefaultEvictTimeout.String()))
	cfg.WriteString(fmt.Sprintf("  shutdown_timeout: %q\n", config.DefaultShutdownTimeout.String()))
	cfg.WriteString("\n")

	cfg.WriteString("relay:\n")
	cfg.WriteString(fmt.Sprintf("  prefix: %q\n", a.Prefix))
	cfg.WriteString("  allowed_origins: []\n")
	cfg.WriteString(fmt.Sprintf("  subscriber_buffer: %d\n", config.DefaultSubscriberBuffer))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", a.DBPath))
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", a.Tailscale))
	if a.Tailscale {
		cfg.WriteString(fmt.Sprintf("  hostname: %q\n", a.TSHostname))
		if a.TSAuthKey != "" {
			cfg.WriteString(fmt.Sprintf("  auth_key: %q\n", a.TSAuthKey))
		}
		cfg.WriteString(fmt.Sprintf("  ephemeral: %t\n", a.TSEphemeral))
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", a.LogLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", a.LogFormat))

	return cfg.String()
}

func isYes(s string) bool {
	s = strings.ToLower(s)
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
