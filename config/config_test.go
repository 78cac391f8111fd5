package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"

	"go.uber.org/zap/zapcore"

	wasmerrors "github.com/openeuler-mirror/WasmEngine/errors"
	"github.com/openeuler-mirror/WasmEngine/policy"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Server.Addr != DefaultAddr || cfg.Store.Root != DefaultStoreRoot {
		t.Errorf("defaults = %+v", cfg)
	}
	if !cfg.Registry.Insecure {
		t.Error("registry should default to insecure")
	}

	p := cfg.BuildPolicy()
	if p.MaxMemoryBytes() != policy.DefaultMaxMemoryBytes {
		t.Errorf("MaxMemoryBytes = %d", p.MaxMemoryBytes())
	}
	if _, ok := p.MaxFuel(); ok {
		t.Error("default policy should have unlimited fuel")
	}
	if !p.Allows(policy.WASINamespace) {
		t.Error("default policy should allow WASI")
	}
}

func TestParse(t *testing.T) {
	doc := `
server:
  addr: 127.0.0.1:9000
  writeTimeout: 5s
store:
  root: /tmp/functions
policy:
  maxMemoryBytes: 16777216
  maxFuel: 10
  allowedNamespaces: []
  preopenedDirs: ["/data", "/host/tmp:/tmp"]
  env: {MODE: test}
objectStore:
  endpoint: minio:9000
  accessKey: ak
  secretKey: sk
log:
  level: "1"
  format: json
`
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.Server.Addr != "127.0.0.1:9000" || cfg.Server.WriteTimeout != 5*time.Second {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.ReadTimeout != defaultReadTimeout {
		t.Errorf("ReadTimeout default not applied: %v", cfg.Server.ReadTimeout)
	}
	if cfg.ObjectStore.Endpoint != "minio:9000" {
		t.Errorf("objectStore = %+v", cfg.ObjectStore)
	}

	p := cfg.BuildPolicy()
	if p.MaxMemoryBytes() != 16<<20 {
		t.Errorf("MaxMemoryBytes = %d", p.MaxMemoryBytes())
	}
	if fuel, ok := p.MaxFuel(); !ok || fuel != 10 {
		t.Errorf("MaxFuel = %d, %v", fuel, ok)
	}
	if p.Allows(policy.WASINamespace) {
		t.Error("explicit empty namespace list should deny WASI")
	}
	want := []policy.Preopen{{HostPath: "/data", GuestPath: "/data"}, {HostPath: "/host/tmp", GuestPath: "/tmp"}}
	if got := p.PreopenedDirs(); !reflect.DeepEqual(got, want) {
		t.Errorf("PreopenedDirs = %+v", got)
	}
	if p.Env()["MODE"] != "test" {
		t.Errorf("Env = %v", p.Env())
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"bad yaml", "server: [unclosed"},
		{"bad level", "log: {level: loud}"},
		{"bad format", "log: {format: xml}"},
		{"bad preopen", `policy: {preopenedDirs: [":/guest"]}`},
		{"bad env key", `policy: {env: {"A=B": x}}`},
		{"object store without keys", "objectStore: {endpoint: minio:9000}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			if wasmerrors.KindOf(err) != wasmerrors.KindInvalidInput {
				t.Errorf("err = %v, want invalid input", err)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	if err != nil || cfg.Server.Addr != DefaultAddr {
		t.Fatalf("Load(\"\") = %+v, %v", cfg, err)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("missing file should fail")
	}

	path := filepath.Join(t.TempDir(), "wasmengine.yaml")
	if err := os.WriteFile(path, []byte("store: {root: /srv/fn}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Root != "/srv/fn" || !cfg.BuildPolicy().Allows(policy.WASINamespace) {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zapcore.Level
	}{
		{"0", zapcore.DebugLevel},
		{"2", zapcore.InfoLevel},
		{"4", zapcore.ErrorLevel},
		{"trace", zapcore.DebugLevel},
		{"WARN", zapcore.WarnLevel},
		{"error", zapcore.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	if _, err := ParseLevel("5"); err == nil {
		t.Error("ParseLevel(5) should fail")
	}
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		l, err := NewLogger(LogConfig{Level: "debug", Format: format})
		if err != nil {
			t.Fatalf("NewLogger(%s): %v", format, err)
		}
		if !l.Core().Enabled(zapcore.DebugLevel) {
			t.Errorf("%s logger drops debug", format)
		}
	}
}
