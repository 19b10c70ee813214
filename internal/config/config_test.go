package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func lookupMap(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestDefaultsDev(t *testing.T) {
	cfg, err := load(func(string) (string, bool) { return "", false }, nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeDev {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeDev)
	}
	if cfg.LogFormat != LogFormatText {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatText)
	}
	if cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("logLevel=%v, want debug", cfg.LogLevel)
	}
	if cfg.ListenAddr != ":3001" {
		t.Fatalf("ListenAddr=%q, want :3001", cfg.ListenAddr)
	}
	if cfg.SessionTTL != 600*time.Second {
		t.Fatalf("SessionTTL=%v, want 10m", cfg.SessionTTL)
	}
	if cfg.SessionSweepInterval != time.Minute {
		t.Fatalf("SessionSweepInterval=%v, want 1m", cfg.SessionSweepInterval)
	}
	if cfg.POIFile != "./data/pointsOfInterest.json" {
		t.Fatalf("POIFile=%q", cfg.POIFile)
	}
	if cfg.PhoneStaticDir != DefaultPhoneStaticDir {
		t.Fatalf("PhoneStaticDir=%q, want %q", cfg.PhoneStaticDir, DefaultPhoneStaticDir)
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "*" {
		t.Fatalf("AllowedOrigins=%v, want [*]", cfg.AllowedOrigins)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != DefaultSTUNURL {
		t.Fatalf("ICEServers=%#v, want default STUN", cfg.ICEServers)
	}
	if cfg.MaxSignalingMessageBytes != DefaultMaxSignalingMessageBytes {
		t.Fatalf("MaxSignalingMessageBytes=%d", cfg.MaxSignalingMessageBytes)
	}
	if cfg.MaxSignalingMessagesPerSecond != DefaultMaxSignalingMessagesPerSecond {
		t.Fatalf("MaxSignalingMessagesPerSecond=%d", cfg.MaxSignalingMessagesPerSecond)
	}
	if cfg.SendQueueSize != DefaultSendQueueSize {
		t.Fatalf("SendQueueSize=%d", cfg.SendQueueSize)
	}
}

func TestDefaultsProdWhenModeFlagSet(t *testing.T) {
	cfg, err := load(func(string) (string, bool) { return "", false }, []string{"--mode", "prod"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Mode != ModeProd {
		t.Fatalf("mode=%q, want %q", cfg.Mode, ModeProd)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Fatalf("logFormat=%q, want %q", cfg.LogFormat, LogFormatJSON)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("logLevel=%v, want info", cfg.LogLevel)
	}
}

func TestEnvOverrides(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarPort:                          "8081",
		envVarSessionTTLMs:                  "120000",
		envVarSessionSweepInterval:          "5s",
		envVarPOIFile:                       "/srv/pois.json",
		envVarAllowedOrigins:                "https://ops.example.com, http://localhost:5173",
		envVarMaxSignalingMessagesPerSecond: "10",
		envStunURLs:                         "stun:stun.example.com:3478",
		envVarLogLevel:                      "warn",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8081" {
		t.Fatalf("ListenAddr=%q, want :8081", cfg.ListenAddr)
	}
	if cfg.SessionTTL != 2*time.Minute {
		t.Fatalf("SessionTTL=%v, want 2m", cfg.SessionTTL)
	}
	if cfg.SessionSweepInterval != 5*time.Second {
		t.Fatalf("SessionSweepInterval=%v, want 5s", cfg.SessionSweepInterval)
	}
	if cfg.POIFile != "/srv/pois.json" {
		t.Fatalf("POIFile=%q", cfg.POIFile)
	}
	if strings.Join(cfg.AllowedOrigins, ",") != "https://ops.example.com,http://localhost:5173" {
		t.Fatalf("AllowedOrigins=%v", cfg.AllowedOrigins)
	}
	if cfg.MaxSignalingMessagesPerSecond != 10 {
		t.Fatalf("MaxSignalingMessagesPerSecond=%d, want 10", cfg.MaxSignalingMessagesPerSecond)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun:stun.example.com:3478" {
		t.Fatalf("ICEServers=%#v", cfg.ICEServers)
	}
	if cfg.LogLevel != slog.LevelWarn {
		t.Fatalf("LogLevel=%v, want warn", cfg.LogLevel)
	}
}

func TestListenAddrWinsOverPort(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarPort:       "8081",
		envVarListenAddr: "127.0.0.1:9000",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9000" {
		t.Fatalf("ListenAddr=%q", cfg.ListenAddr)
	}
}

func TestFlagsOverrideEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarSessionTTLMs: "120000",
	}), []string{"--session-ttl", "30s", "--listen-addr", "127.0.0.1:0"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.SessionTTL != 30*time.Second {
		t.Fatalf("SessionTTL=%v, want 30s", cfg.SessionTTL)
	}
	if cfg.ListenAddr != "127.0.0.1:0" {
		t.Fatalf("ListenAddr=%q", cfg.ListenAddr)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		args []string
	}{
		{"bad port", map[string]string{envVarPort: "nope"}, nil},
		{"port out of range", map[string]string{envVarPort: "70000"}, nil},
		{"bad ttl", map[string]string{envVarSessionTTLMs: "soon"}, nil},
		{"zero ttl", map[string]string{envVarSessionTTLMs: "0"}, nil},
		{"bad mode", map[string]string{envVarMode: "staging"}, nil},
		{"bad log format", nil, []string{"--log-format", "xml"}},
		{"bad origin", map[string]string{envVarAllowedOrigins: "example.com"}, nil},
		{"ping not below idle", map[string]string{
			envVarSignalingWSPingInterval: "60s",
			envVarSignalingWSIdleTimeout:  "60s",
		}, nil},
		{"zero send queue", map[string]string{envVarSendQueueSize: "0"}, nil},
		{"negative rate", nil, []string{"--max-signaling-messages-per-second", "-1"}},
		{"turn without creds", map[string]string{envTurnURLs: "turn:t.example.com"}, nil},
		{"turn rest prefix with colon", map[string]string{
			envVarTURNRESTSharedSecret:   "s3cret",
			envVarTURNRESTUsernamePrefix: "a:b",
		}, nil},
		{"turn rest ttl too short", map[string]string{envVarTURNRESTSharedSecret: "s3cret"}, []string{"--turn-rest-ttl", "100ms"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := load(lookupMap(tc.env), tc.args); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestLoad_ReadsEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.env")
	if err := os.WriteFile(path, []byte("SESSION_TTL_MS=42000\nPOI_FILE=/from/dotenv.json\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(envVarEnvFile, path)
	t.Setenv(envVarPOIFile, "/from/env.json")

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.SessionTTL != 42*time.Second {
		t.Fatalf("SessionTTL=%v, want 42s from env file", cfg.SessionTTL)
	}
	if cfg.POIFile != "/from/env.json" {
		t.Fatalf("POIFile=%q, want the real environment to win", cfg.POIFile)
	}
	if cfg.EnvFile != path {
		t.Fatalf("EnvFile=%q, want %q", cfg.EnvFile, path)
	}
}

func TestLoad_MissingEnvFileIsIgnored(t *testing.T) {
	t.Setenv(envVarEnvFile, filepath.Join(t.TempDir(), "missing.env"))

	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.EnvFile != "" {
		t.Fatalf("EnvFile=%q, want empty", cfg.EnvFile)
	}
}

func TestTURNRESTAllowsTURNWithoutStaticCredentials(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envVarTURNRESTSharedSecret: "s3cret",
		envTurnURLs:                "turn:turn.example.com:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.TURNREST.Enabled() {
		t.Fatalf("TURN REST not enabled")
	}
	if cfg.TURNREST.TTL != DefaultTURNRESTTTL || cfg.TURNREST.UsernamePrefix != DefaultTURNRESTUsernamePrefix {
		t.Fatalf("TURNREST=%+v, want defaults", cfg.TURNREST)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "turn:turn.example.com:3478" {
		t.Fatalf("ICEServers=%#v", cfg.ICEServers)
	}
}
