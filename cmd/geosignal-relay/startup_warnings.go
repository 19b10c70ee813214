package main

import (
	"log/slog"
	"slices"
	"time"

	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/config"
	"github.com/wilsonzlin/aero/proxy/geosignal-relay/internal/turnrest"
)

const shortSessionTTL = time.Minute

func logStartupWarnings(logger *slog.Logger, cfg config.Config, poiCount int) {
	if logger == nil {
		logger = slog.Default()
	}

	if slices.Contains(cfg.AllowedOrigins, "*") {
		logger.Warn("startup warning: ALLOWED_ORIGINS contains '*' (any website can open a signaling socket)",
			"warning_code", "allowed_origins_wildcard",
			"allowed_origins", cfg.AllowedOrigins,
			"mode", cfg.Mode,
		)
	}

	if poiCount == 0 {
		logger.Warn("startup warning: no points of interest loaded; poi-in-range will never fire",
			"warning_code", "poi_set_empty",
			"poi_file", cfg.POIFile,
		)
	}

	if cfg.SessionTTL < shortSessionTTL {
		logger.Warn("startup warning: SESSION_TTL_MS is very short (phones lose their session on brief network drops)",
			"warning_code", "session_ttl_short",
			"session_ttl", cfg.SessionTTL,
		)
	}

	if cfg.SessionSweepInterval > cfg.SessionTTL {
		logger.Warn("startup warning: SESSION_SWEEP_INTERVAL exceeds the session TTL (expired sessions linger until the next sweep)",
			"warning_code", "session_sweep_interval_exceeds_ttl",
			"session_ttl", cfg.SessionTTL,
			"session_sweep_interval", cfg.SessionSweepInterval,
		)
	}

	if cfg.Mode == config.ModeProd && cfg.MaxSignalingMessagesPerSecond <= 0 {
		logger.Warn("startup warning: MAX_SIGNALING_MESSAGES_PER_SECOND is unset/0 (unlimited) while --mode=prod",
			"warning_code", "signaling_rate_limit_disabled_in_prod",
			"max_signaling_messages_per_second", cfg.MaxSignalingMessagesPerSecond,
			"mode", cfg.Mode,
		)
	}

	if cfg.MaxSignalingMessageBytes > 1<<20 { // 1MiB
		logger.Warn("startup warning: MAX_SIGNALING_MESSAGE_BYTES is very large (increases per-frame allocation risk)",
			"warning_code", "max_signaling_message_large",
			"max_signaling_message_bytes", cfg.MaxSignalingMessageBytes,
		)
	}

	if len(cfg.ICEServers) == 0 {
		logger.Warn("startup warning: no ICE servers configured; peers behind NAT may fail to connect",
			"warning_code", "ice_servers_empty",
		)
	}

	if cfg.TURNREST.Enabled() && !slices.ContainsFunc(cfg.ICEServers, turnrest.HasTURNURL) {
		logger.Warn("startup warning: TURN_REST_SHARED_SECRET is set but no TURN server is configured; no credentials will be issued",
			"warning_code", "turn_rest_without_turn_servers",
		)
	}
}
