package main

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testConnString() string {
	return "HostName=h.azure-devices.net;DeviceId=d;SharedAccessKey=" +
		base64.StdEncoding.EncodeToString([]byte("k"))
}

func TestLoadConfigDebugFlagOverridesFileLevel(t *testing.T) {
	path := writeConfigFile(t, `
connection_string: "`+testConnString()+`"
log_level: info
`)

	cfg, err := loadConfig(path, "", "", true)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q with --debug, want debug", cfg.LogLevel)
	}
}

func TestLoadConfigFileLevelKeptWithoutFlag(t *testing.T) {
	path := writeConfigFile(t, `
connection_string: "`+testConnString()+`"
log_level: warn
`)

	cfg, err := loadConfig(path, "", "", false)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn from the file", cfg.LogLevel)
	}
}

func TestLoadConfigConnectionStringPrecedence(t *testing.T) {
	path := writeConfigFile(t, `
connection_string: "`+testConnString()+`"
`)

	flagValue := "HostName=flag.azure-devices.net;DeviceId=flag;SharedAccessKey=" +
		base64.StdEncoding.EncodeToString([]byte("f"))
	t.Setenv(envConnectionString, "HostName=env.azure-devices.net;DeviceId=env;SharedAccessKey="+
		base64.StdEncoding.EncodeToString([]byte("e")))

	cfg, err := loadConfig(path, flagValue, "", false)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.ConnectionString != flagValue {
		t.Errorf("ConnectionString = %q, want the flag value", cfg.ConnectionString)
	}

	cfg, err = loadConfig(path, "", "", false)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if got := cfg.ConnectionString; got == "" || got == testConnString() {
		t.Errorf("ConnectionString = %q, want the environment value", got)
	}
}

func TestLoadConfigStatePathOverride(t *testing.T) {
	path := writeConfigFile(t, `
connection_string: "`+testConnString()+`"
state_path: /var/lib/rosrelay/file.db
`)

	cfg, err := loadConfig(path, "", "/tmp/override.db", false)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if cfg.StatePath != "/tmp/override.db" {
		t.Errorf("StatePath = %q, want the flag value", cfg.StatePath)
	}
}
