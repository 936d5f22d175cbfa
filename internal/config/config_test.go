package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("{}\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestLoad_ServersAndDefaults(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
servers:
  - name: files
    command: /usr/local/bin/files-server
    args: ["--root", "/srv"]
    env:
      FILES_MODE: ro
    include: [read, list]
  - name: remote
    transport: websocket
    url: wss://tools.example.com/mcp
    headers:
      Authorization: Bearer abc
    framing: header
    timeout: 2s
    sequential: true
    rate_limit: 5
    rate_burst: 2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if len(cfg.Servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(cfg.Servers))
	}

	files := cfg.Servers[0]
	if files.Transport != TransportStdio || files.Framing != FramingLine {
		t.Errorf("files defaults: transport=%q framing=%q", files.Transport, files.Framing)
	}
	if files.Timeout != 30*time.Second || files.StopGrace != 5*time.Second {
		t.Errorf("files durations: timeout=%v stop_grace=%v", files.Timeout, files.StopGrace)
	}
	if files.Env["FILES_MODE"] != "ro" || len(files.Args) != 2 || len(files.Include) != 2 {
		t.Errorf("files entry = %+v", files)
	}

	remote, ok := cfg.Server("remote")
	if !ok {
		t.Fatal("Server(remote) not found")
	}
	if remote.Timeout != 2*time.Second || !remote.Sequential || remote.RateLimit != 5 || remote.RateBurst != 2 {
		t.Errorf("remote entry = %+v", remote)
	}
	if remote.Headers["Authorization"] != "Bearer abc" {
		t.Errorf("headers = %v", remote.Headers)
	}

	if cfg.Listen.Port != 8090 || cfg.DataDir != "./data" || cfg.LogFormat != "text" {
		t.Errorf("global defaults: port=%d data_dir=%q log_format=%q", cfg.Listen.Port, cfg.DataDir, cfg.LogFormat)
	}
	if _, ok := cfg.Server("missing"); ok {
		t.Error("Server(missing) should not be found")
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("TOOLWIRE_TEST_TOKEN", "secret123")
	path := writeConfig(t, `
servers:
  - name: remote
    transport: websocket
    url: ws://localhost:9000/
    headers:
      Authorization: Bearer ${TOOLWIRE_TEST_TOKEN}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := cfg.Servers[0].Headers["Authorization"]; got != "Bearer secret123" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer secret123")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"missing name", "servers:\n  - command: x\n", "name is required"},
		{"duplicate", "servers:\n  - name: a\n    command: x\n  - name: a\n    command: y\n", "duplicate name"},
		{"stdio without command", "servers:\n  - name: a\n", "command is required"},
		{"bad url", "servers:\n  - name: a\n    transport: websocket\n    url: http://x\n", "must be ws://"},
		{"bad transport", "servers:\n  - name: a\n    transport: carrier-pigeon\n", "unknown transport"},
		{"bad framing", "servers:\n  - name: a\n    command: x\n    framing: xml\n", "unknown framing"},
		{"negative rate", "servers:\n  - name: a\n    command: x\n    rate_limit: -1\n", "must not be negative"},
		{"log level", "log_level: loud\n", "unknown log level"},
		{"log format", "log_format: xml\n", "log_format"},
		{"mqtt device", "mqtt:\n  broker: mqtt://localhost:1883\n", "device_name is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load err = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	_, err := Load(writeConfig(t, "log_level: loud\nservers:\n  - name: a\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"unknown log level", "command is required"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default().Validate() = %v", err)
	}
	if cfg.MQTT.Configured() {
		t.Error("MQTT should not be configured by default")
	}
}

func TestMQTTConfig_Configured(t *testing.T) {
	tests := []struct {
		name string
		cfg  MQTTConfig
		want bool
	}{
		{"both set", MQTTConfig{Broker: "mqtt://localhost", DeviceName: "toolwire"}, true},
		{"missing broker", MQTTConfig{DeviceName: "toolwire"}, false},
		{"missing device_name", MQTTConfig{Broker: "mqtt://localhost"}, false},
		{"empty", MQTTConfig{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Configured(); got != tt.want {
				t.Errorf("Configured() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"TRACE", LevelTrace, false},
		{" debug ", slog.LevelDebug, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLogLevel(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestReplaceLogLevelNames(t *testing.T) {
	a := ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, LevelTrace))
	if a.Value.String() != "TRACE" {
		t.Errorf("trace level rendered as %q", a.Value.String())
	}
	a = ReplaceLogLevelNames(nil, slog.Any(slog.LevelKey, slog.LevelInfo))
	if a.Value.Any() != slog.LevelInfo {
		t.Errorf("info level changed to %v", a.Value)
	}
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/tester")

	tests := []struct {
		in   string
		want string
	}{
		{"~", "/home/tester"},
		{"~/bin/docs-server", filepath.Join("/home/tester", "bin/docs-server")},
		{"~other/bin", "~other/bin"},
		{"/usr/bin/env", "/usr/bin/env"},
		{"relative", "relative"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := expandHome(tt.in); got != tt.want {
				t.Errorf("expandHome(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoad_ExpandsHome(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	path := writeConfig(t, `
data_dir: ~/toolwire
servers:
  - name: docs
    command: ~/bin/docs-server
    dir: ~/docs
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DataDir != "/home/tester/toolwire" {
		t.Errorf("DataDir = %q", cfg.DataDir)
	}
	if s := cfg.Servers[0]; s.Command != "/home/tester/bin/docs-server" || s.Dir != "/home/tester/docs" {
		t.Errorf("server paths = %q, %q", s.Command, s.Dir)
	}
}
