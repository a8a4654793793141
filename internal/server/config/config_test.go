package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/yndnr/snapkeep-go/internal/infra/confloader"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.HTTP.Addr != DefaultHTTPAddr {
		t.Errorf("HTTP.Addr = %q, want %q", cfg.Server.HTTP.Addr, DefaultHTTPAddr)
	}
	if cfg.Storage.DataDir != DefaultDataDir {
		t.Errorf("DataDir = %q, want %q", cfg.Storage.DataDir, DefaultDataDir)
	}
	if cfg.Cluster.Enabled {
		t.Error("cluster mode should be disabled by default")
	}
	if cfg.Snapshot.CooldownPeriod != 0 {
		t.Errorf("CooldownPeriod = %v, want disabled", cfg.Snapshot.CooldownPeriod)
	}
	if cfg.Snapshot.MaxCommitAttempts != DefaultMaxCommitAttempts {
		t.Errorf("MaxCommitAttempts = %d, want %d", cfg.Snapshot.MaxCommitAttempts, DefaultMaxCommitAttempts)
	}
	if cfg.Log.Level != DefaultLogLevel || cfg.Log.Format != DefaultLogFormat {
		t.Errorf("Log = %+v", cfg.Log)
	}
}

func TestDefaultMap_Loads(t *testing.T) {
	var cfg ServerConfig
	loader := confloader.NewLoader(confloader.WithEnvPrefix("SNAPKEEP_TEST_NONE_"), confloader.WithDefaults(DefaultMap()))
	if err := loader.Load(&cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !reflect.DeepEqual(&cfg, Default()) {
		t.Errorf("loaded defaults differ:\n got %+v\nwant %+v", cfg, *Default())
	}
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapkeep.yaml")
	yaml := `
snapshot:
  cooldown_period: 30s
  workers: 8
repositories:
  - name: nightly
    type: fs
    settings:
      path: /srv/backups
      readonly: "false"
`
	if err := os.WriteFile(path, []byte(yaml), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SNAPKEEP_SNAPSHOT__COOLDOWN_PERIOD", "2m")

	var cfg ServerConfig
	loader := confloader.NewLoader(confloader.WithDefaults(DefaultMap()), confloader.WithConfigFile(path))
	if err := loader.Load(&cfg); err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Snapshot.CooldownPeriod != 2*time.Minute {
		t.Errorf("CooldownPeriod = %v, want env value 2m", cfg.Snapshot.CooldownPeriod)
	}
	if cfg.Snapshot.Workers != 8 {
		t.Errorf("Workers = %d, want 8 from file", cfg.Snapshot.Workers)
	}
	if cfg.Snapshot.ShardConcurrency != DefaultShardConcurrency {
		t.Errorf("ShardConcurrency = %d, want default", cfg.Snapshot.ShardConcurrency)
	}
	if len(cfg.Repositories) != 1 || cfg.Repositories[0].Settings["path"] != "/srv/backups" {
		t.Errorf("Repositories = %+v", cfg.Repositories)
	}
}

func TestVerify(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*ServerConfig)
		wantErr string
	}{
		{"defaults", func(*ServerConfig) {}, ""},
		{"bad http addr", func(c *ServerConfig) { c.Server.HTTP.Addr = "nope" }, "server.http.addr"},
		{"cert without key", func(c *ServerConfig) { c.Server.HTTP.TLSCertFile = "/etc/snapkeep/tls.crt" }, "set together"},
		{"missing cert files", func(c *ServerConfig) {
			c.Server.HTTP.TLSCertFile = "/does/not/exist.crt"
			c.Server.HTTP.TLSKeyFile = "/does/not/exist.key"
		}, "server.http"},
		{"negative rate", func(c *ServerConfig) { c.Server.HTTP.RateLimit = -1 }, "rate_limit"},
		{"socket dir missing", func(c *ServerConfig) { c.Server.Local.SocketPath = "/does/not/exist/admin.sock" }, "socket_path"},
		{"socket in temp dir", func(c *ServerConfig) { c.Server.Local.SocketPath = filepath.Join(os.TempDir(), "snapkeep.sock") }, ""},
		{"no data dir", func(c *ServerConfig) { c.Storage.DataDir = "" }, "storage.data_dir"},
		{"missing source dir", func(c *ServerConfig) { c.Storage.SourceDir = "/does/not/exist" }, "storage.source_dir"},
		{"cluster without peers", func(c *ServerConfig) { c.Cluster.Enabled = true }, "bootstrap, seeds or join_addrs"},
		{"bootstrap with seeds", func(c *ServerConfig) {
			c.Cluster.Enabled = true
			c.Cluster.Bootstrap = true
			c.Cluster.Seeds = []string{"10.0.0.1:5344"}
		}, "mutually exclusive"},
		{"bootstrap", func(c *ServerConfig) {
			c.Cluster.Enabled = true
			c.Cluster.Bootstrap = true
		}, ""},
		{"missing peer CA", func(c *ServerConfig) {
			c.Cluster.Enabled = true
			c.Cluster.Bootstrap = true
			c.Cluster.TLSCAFile = "/does/not/exist.pem"
		}, "cluster.tls_ca_file"},
		{"gossip port", func(c *ServerConfig) {
			c.Cluster.Enabled = true
			c.Cluster.Bootstrap = true
			c.Cluster.GossipAddr = "127.0.0.1"
			c.Cluster.GossipPort = 70000
		}, "gossip_port"},
		{"negative cooldown", func(c *ServerConfig) { c.Snapshot.CooldownPeriod = -time.Second }, "cooldown_period"},
		{"zero attempts", func(c *ServerConfig) { c.Snapshot.MaxCommitAttempts = 0 }, "max_commit_attempts"},
		{"zero workers", func(c *ServerConfig) { c.Snapshot.Workers = 0 }, "workers"},
		{"invalid repository", func(c *ServerConfig) {
			c.Repositories = []RepositoryConfig{{Name: "r", Type: "fs"}}
		}, "repositories[0]"},
		{"duplicate repository", func(c *ServerConfig) {
			c.Repositories = []RepositoryConfig{{Name: "r", Type: "memory"}, {Name: "r", Type: "memory"}}
		}, "duplicate"},
		{"short key", func(c *ServerConfig) { c.Security.EncryptionKey = "abcd" }, "want 32"},
		{"non-hex key", func(c *ServerConfig) { c.Security.EncryptionKey = strings.Repeat("zz", 32) }, "encryption_key"},
		{"valid key", func(c *ServerConfig) { c.Security.EncryptionKey = strings.Repeat("ab", 32) }, ""},
		{"unknown cipher", func(c *ServerConfig) { c.Security.Cipher = "rot13" }, "security.cipher"},
		{"unknown level", func(c *ServerConfig) { c.Log.Level = "loud" }, "log.level"},
		{"unknown format", func(c *ServerConfig) { c.Log.Format = "xml" }, "log.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Storage.DataDir = t.TempDir()
			tt.mutate(cfg)

			err := Verify(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Verify() = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Verify() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestSanitize(t *testing.T) {
	key := strings.Repeat("ab", 32)
	cfg := Default()
	cfg.Security.EncryptionKey = key
	cfg.Security.Passphrase = "correct horse"
	cfg.Repositories = []RepositoryConfig{{Name: "r", Type: "memory", Settings: map[string]string{"readonly": "true"}}}

	sanitized := Sanitize(cfg)

	if cfg.Security.EncryptionKey != key {
		t.Error("original config was modified")
	}
	if sanitized.Security.EncryptionKey == key {
		t.Error("encryption key not masked")
	}
	if len(sanitized.Security.EncryptionKey) != len(key) {
		t.Errorf("masked key length = %d, want %d", len(sanitized.Security.EncryptionKey), len(key))
	}
	if sanitized.Security.Passphrase != "co*********se" {
		t.Errorf("masked passphrase = %q", sanitized.Security.Passphrase)
	}

	sanitized.Repositories[0].Settings["readonly"] = "false"
	if cfg.Repositories[0].Settings["readonly"] != "true" {
		t.Error("sanitized copy shares repository settings with the original")
	}
}

func TestSanitize_Empty(t *testing.T) {
	sanitized := Sanitize(&ServerConfig{})
	if sanitized.Security.EncryptionKey != "" || sanitized.Security.Passphrase != "" {
		t.Errorf("empty secrets should stay empty: %+v", sanitized.Security)
	}
}

func TestMaskSecret(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", "****"},
		{"abcd", "****"},
		{"abcde", "ab*de"},
		{"secret-value", "se********ue"},
	}
	for _, tt := range tests {
		if got := maskSecret(tt.in); got != tt.want {
			t.Errorf("maskSecret(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
