package config

import (
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

const (
	envVarPort                 = "SELKIES_SIGNALLING_PORT"
	envVarHost                 = "SELKIES_SIGNALLING_HOST"
	envVarMode                 = "SELKIES_SIGNALLING_MODE"
	envVarLogFormat            = "SELKIES_SIGNALLING_LOG_FORMAT"
	envVarLogLevel             = "SELKIES_SIGNALLING_LOG_LEVEL"
	envVarShutdownTimeout      = "SELKIES_SIGNALLING_SHUTDOWN_TIMEOUT"
	envVarStaticDir            = "SELKIES_SIGNALLING_STATIC_DIR"
	envVarWarnMissingStaticDir = "SELKIES_SIGNALLING_WARN_MISSING_STATIC_DIR"

	// Route toggles.
	envVarRootWebSocket = "SELKIES_SIGNALLING_ROOT_WEBSOCKET"
	envVarTURNStub      = "SELKIES_SIGNALLING_TURN_STUB"

	// Signalling WebSocket protocol + hardening.
	envVarEchoMode             = "SELKIES_SIGNALLING_ECHO_MODE"
	envVarWSIdleTimeout        = "SELKIES_SIGNALLING_WS_IDLE_TIMEOUT"
	envVarWSPingInterval       = "SELKIES_SIGNALLING_WS_PING_INTERVAL"
	envVarMaxMessageBytes      = "SELKIES_SIGNALLING_MAX_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "SELKIES_SIGNALLING_MAX_MESSAGES_PER_SECOND"

	// Served verbatim by GET /turn; empty by default.
	envVarICEServersJSON = "SELKIES_SIGNALLING_ICE_SERVERS_JSON"

	// EnvVarEnvFile names the dotenv file main loads before Load runs.
	EnvVarEnvFile = "SELKIES_SIGNALLING_ENV_FILE"

	DefaultPort                      = 8080
	DefaultHost                      = "0.0.0.0"
	DefaultMode                 Mode = ModeDev
	DefaultShutdown                  = 15 * time.Second
	DefaultStaticDir                 = "static"
	DefaultEnvFile                   = ".env"
	DefaultEchoMode                  = EchoModeEstablished
	DefaultWSIdleTimeout             = 60 * time.Second
	DefaultWSPingInterval            = 20 * time.Second
	DefaultMaxMessageBytes           = int64(64 * 1024)
	DefaultMaxMessagesPerSecond      = 0
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

// EchoMode selects when non-handshake text frames are echoed back.
type EchoMode string

const (
	// EchoModeEstablished echoes only once a SESSION handshake completed.
	EchoModeEstablished EchoMode = "established"
	// EchoModeAlways echoes in every phase (plain echo server behaviour).
	EchoModeAlways EchoMode = "always"
)

type Config struct {
	Host            string
	Port            int
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// StaticDir is served under GET /. A missing directory is not fatal.
	StaticDir            string
	WarnMissingStaticDir bool

	// RootWebSocket lets GET / upgrade to the signalling protocol in addition
	// to GET /ws.
	RootWebSocket bool
	// TURNStub enables GET /turn.
	TURNStub bool
	// ICEServers is the list GET /turn returns. Nil unless configured.
	ICEServers []webrtc.ICEServer

	EchoMode EchoMode

	WSIdleTimeout  time.Duration
	WSPingInterval time.Duration

	MaxMessageBytes int64
	// MaxMessagesPerSecond caps inbound frames per connection; <= 0 disables.
	MaxMessagesPerSecond int
}

// ListenAddr is the host:port the HTTP server binds to.
func (c Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode, _ := lookup(envVarMode)
	modeDefault := string(DefaultMode)
	if envMode != "" {
		modeDefault = envMode
	}

	envLogFormat, envLogFormatOK := lookup(envVarLogFormat)
	envLogFormatSet := envLogFormatOK && envLogFormat != ""
	logFormatDefault := envLogFormat
	if !envLogFormatSet {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}

	envLogLevel, envLogLevelOK := lookup(envVarLogLevel)
	envLogLevelSet := envLogLevelOK && envLogLevel != ""
	logLevelDefault := envLogLevel
	if !envLogLevelSet {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	host := envOrDefault(lookup, envVarHost, DefaultHost)
	port, err := envIntOrDefault(lookup, envVarPort, DefaultPort)
	if err != nil {
		return Config{}, err
	}
	staticDir := envOrDefault(lookup, envVarStaticDir, DefaultStaticDir)
	warnMissingStaticDir, err := envBoolOrDefault(lookup, envVarWarnMissingStaticDir, true)
	if err != nil {
		return Config{}, err
	}
	rootWebSocket, err := envBoolOrDefault(lookup, envVarRootWebSocket, true)
	if err != nil {
		return Config{}, err
	}
	turnStub, err := envBoolOrDefault(lookup, envVarTURNStub, true)
	if err != nil {
		return Config{}, err
	}
	echoModeStr := envOrDefault(lookup, envVarEchoMode, string(DefaultEchoMode))
	iceServersJSON := envOrDefault(lookup, envVarICEServersJSON, "")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdown)
	if err != nil {
		return Config{}, err
	}
	wsIdleTimeout, err := envDurationOrDefault(lookup, envVarWSIdleTimeout, DefaultWSIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	wsPingInterval, err := envDurationOrDefault(lookup, envVarWSPingInterval, DefaultWSPingInterval)
	if err != nil {
		return Config{}, err
	}
	maxMessageBytes := DefaultMaxMessageBytes
	if raw, ok := lookup(envVarMaxMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	var (
		modeStr      string
		logFormatStr string
		logLevelStr  string
	)

	fs := flag.NewFlagSet("selkies-signalling", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.IntVar(&port, "port", port, "Port to run the server on (env "+envVarPort+")")
	fs.StringVar(&host, "host", host, "Interface address to bind (env "+envVarHost+")")
	fs.StringVar(&modeStr, "mode", modeDefault, "Run mode: dev or prod")
	fs.StringVar(&logFormatStr, "log-format", logFormatDefault, "Log format: text or json")
	fs.StringVar(&logLevelStr, "log-level", logLevelDefault, "Log level: debug, info, warn, error")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (e.g. 15s)")
	fs.StringVar(&staticDir, "static-dir", staticDir, "Directory served for GET /<path> (env "+envVarStaticDir+")")
	fs.BoolVar(&warnMissingStaticDir, "warn-missing-static-dir", warnMissingStaticDir, "Log a startup warning when --static-dir does not exist (env "+envVarWarnMissingStaticDir+")")
	fs.BoolVar(&rootWebSocket, "root-websocket", rootWebSocket, "Accept WebSocket upgrades on GET / as well as /ws (env "+envVarRootWebSocket+")")
	fs.BoolVar(&turnStub, "turn-stub", turnStub, "Serve GET /turn (env "+envVarTURNStub+")")
	fs.StringVar(&iceServersJSON, "ice-servers-json", iceServersJSON, "JSON array of ICE servers returned by GET /turn (env "+envVarICEServersJSON+")")
	fs.StringVar(&echoModeStr, "echo-mode", echoModeStr, "When to echo non-handshake messages: established or always (env "+envVarEchoMode+")")
	fs.DurationVar(&wsIdleTimeout, "ws-idle-timeout", wsIdleTimeout, "Close WebSocket connections idle for this long (env "+envVarWSIdleTimeout+")")
	fs.DurationVar(&wsPingInterval, "ws-ping-interval", wsPingInterval, "Send ping frames at this interval (must be < --ws-idle-timeout; env "+envVarWSPingInterval+")")
	fs.Int64Var(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max inbound WebSocket message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&maxMessagesPerSecond, "max-messages-per-second", maxMessagesPerSecond, "Max inbound WebSocket messages per second per connection, 0 = unlimited (env "+envVarMaxMessagesPerSecond+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	// If the user only changed --mode, re-derive the mode-dependent defaults so
	// --mode=prod still yields JSON logs at info level.
	var logFormatFlagSet, logLevelFlagSet bool
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "log-format":
			logFormatFlagSet = true
		case "log-level":
			logLevelFlagSet = true
		}
	})
	if !logFormatFlagSet && !envLogFormatSet {
		logFormatStr = defaultLogFormatForMode(modeStr)
	}
	if !logLevelFlagSet && !envLogLevelSet {
		logLevelStr = defaultLogLevelForMode(modeStr)
	}

	mode, err := parseMode(modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}
	echoMode, err := parseEchoMode(echoModeStr)
	if err != nil {
		return Config{}, fmt.Errorf("%s/--echo-mode: %w", envVarEchoMode, err)
	}

	if port <= 0 || port > 65535 {
		return Config{}, fmt.Errorf("%s/--port: port %d out of range (1-65535)", envVarPort, port)
	}
	if strings.TrimSpace(host) != "" && net.ParseIP(strings.TrimSpace(host)) == nil && !isHostname(strings.TrimSpace(host)) {
		return Config{}, fmt.Errorf("invalid %s/--host %q", envVarHost, host)
	}
	if shutdownTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--shutdown-timeout must be > 0", envVarShutdownTimeout)
	}
	if wsIdleTimeout <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-idle-timeout must be > 0", envVarWSIdleTimeout)
	}
	if wsPingInterval <= 0 {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be > 0", envVarWSPingInterval)
	}
	if wsPingInterval >= wsIdleTimeout {
		return Config{}, fmt.Errorf("%s/--ws-ping-interval must be < %s/--ws-idle-timeout", envVarWSPingInterval, envVarWSIdleTimeout)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s/--max-message-bytes must be > 0", envVarMaxMessageBytes)
	}
	if maxMessagesPerSecond < 0 {
		return Config{}, fmt.Errorf("%s/--max-messages-per-second must be >= 0", envVarMaxMessagesPerSecond)
	}
	var iceServers []webrtc.ICEServer
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		iceServers, err = ParseICEServersJSON(raw)
		if err != nil {
			return Config{}, fmt.Errorf("%s/--ice-servers-json: %w", envVarICEServersJSON, err)
		}
	}

	return Config{
		Host:                 strings.TrimSpace(host),
		Port:                 port,
		Mode:                 mode,
		LogFormat:            logFormat,
		LogLevel:             logLevel,
		ShutdownTimeout:      shutdownTimeout,
		StaticDir:            staticDir,
		WarnMissingStaticDir: warnMissingStaticDir,
		RootWebSocket:        rootWebSocket,
		TURNStub:             turnStub,
		ICEServers:           iceServers,
		EchoMode:             echoMode,
		WSIdleTimeout:        wsIdleTimeout,
		WSPingInterval:       wsPingInterval,
		MaxMessageBytes:      maxMessageBytes,
		MaxMessagesPerSecond: maxMessagesPerSecond,
	}, nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envBoolOrDefault(lookup func(string) (string, bool), key string, fallback bool) (bool, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	v, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return v, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug, info, warn, error)", raw)
	}
}

func parseEchoMode(raw string) (EchoMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(EchoModeEstablished):
		return EchoModeEstablished, nil
	case string(EchoModeAlways):
		return EchoModeAlways, nil
	default:
		return "", fmt.Errorf("expected %s or %s, got %q", EchoModeEstablished, EchoModeAlways, raw)
	}
}

// isHostname accepts DNS-style names such as "localhost" or "signal.internal".
func isHostname(s string) bool {
	if len(s) > 253 {
		return false
	}
	for _, label := range strings.Split(s, ".") {
		if label == "" || len(label) > 63 {
			return false
		}
		for i := 0; i < len(label); i++ {
			c := label[i]
			switch {
			case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			case c == '-' && i != 0 && i != len(label)-1:
			default:
				return false
			}
		}
	}
	return true
}
