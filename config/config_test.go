package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testKey = "SGVsbG8="

func validConfig() *Config {
	cfg := Default()
	cfg.ConnectionString = "HostName=h.azure-devices.net;DeviceId=d;SharedAccessKey=" + testKey
	return cfg
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.QueueSize != 10 || cfg.SuccessStatus != 200 || cfg.TextEncoding != "utf8" {
		t.Errorf("Load() defaults = %+v", cfg)
	}
}

func TestLoadMergesWithDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
connection_string: "HostName=h;DeviceId=d;SharedAccessKey=` + testKey + `"
queue_size: 50
method_timeout: 5s
types:
  - name: std_msgs/String
    fields:
      data: string
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.QueueSize != 50 {
		t.Errorf("QueueSize = %d, want 50", cfg.QueueSize)
	}
	if cfg.MethodTimeout != Duration(5*time.Second) {
		t.Errorf("MethodTimeout = %v, want 5s", cfg.MethodTimeout)
	}
	if cfg.StatePath != "/var/lib/rosrelay/relays.db" {
		t.Errorf("StatePath default not preserved, got %q", cfg.StatePath)
	}
	if len(cfg.Types) != 1 || cfg.Types[0].Name != "std_msgs/String" {
		t.Errorf("Types = %+v", cfg.Types)
	}
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("queue_size: [not an int"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() accepted malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "no connection string", mutate: func(c *Config) { c.ConnectionString = "" }, wantErr: true},
		{name: "no state path", mutate: func(c *Config) { c.StatePath = "" }, wantErr: true},
		{name: "zero queue", mutate: func(c *Config) { c.QueueSize = 0 }, wantErr: true},
		{name: "negative timeout", mutate: func(c *Config) { c.MethodTimeout = Duration(-time.Second) }, wantErr: true},
		{name: "bad encoding", mutate: func(c *Config) { c.TextEncoding = "latin1" }, wantErr: true},
		{
			name: "bad field kind",
			mutate: func(c *Config) {
				c.Types = []MessageType{{Name: "t", Fields: map[string]string{"x": "decimal"}}}
			},
			wantErr: true,
		},
		{
			name: "unnamed type",
			mutate: func(c *Config) {
				c.Types = []MessageType{{Fields: map[string]string{"x": "string"}}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCodecSelection(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if !cfg.Codec().Valid("héllo") {
		t.Error("utf8 codec rejected valid UTF-8 text")
	}
	cfg.TextEncoding = "ascii"
	if cfg.Codec().Valid("héllo") {
		t.Error("ascii codec accepted non-ASCII text")
	}
}
