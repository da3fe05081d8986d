package main

import (
	"log/slog"

	"github.com/selkies-project/selkies-signalling/internal/config"
)

// logStartupWarnings reports risky settings. staticAvailable is the HTTP
// server's own view of cfg.StaticDir.
func logStartupWarnings(logger *slog.Logger, cfg config.Config, staticAvailable bool) {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.WarnMissingStaticDir && !staticAvailable {
		logger.Warn("startup warning: static directory not found; static files will return 404",
			"warning_code", "static_dir_missing",
			"static_dir", cfg.StaticDir,
			"mode", cfg.Mode,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxMessagesPerSecond <= 0 {
		logger.Warn("startup security warning: SELKIES_SIGNALLING_MAX_MESSAGES_PER_SECOND is 0 (unlimited) while --mode=prod",
			"warning_code", "rate_limit_disabled_in_prod",
			"max_messages_per_second", cfg.MaxMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	if !cfg.RootWebSocket {
		logger.Info("root websocket upgrade disabled; clients must connect to /ws",
			"warning_code", "root_websocket_disabled",
			"mode", cfg.Mode,
		)
	}
}
