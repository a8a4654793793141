package config

import (
	"maps"
	"slices"
	"strings"
)

// Sanitize returns a copy of the config with secrets masked, for logging.
func Sanitize(cfg *ServerConfig) *ServerConfig {
	sanitized := *cfg
	sanitized.Cluster.Seeds = slices.Clone(cfg.Cluster.Seeds)
	sanitized.Cluster.JoinAddrs = slices.Clone(cfg.Cluster.JoinAddrs)
	sanitized.Repositories = make([]RepositoryConfig, len(cfg.Repositories))
	for i, r := range cfg.Repositories {
		r.Settings = maps.Clone(r.Settings)
		sanitized.Repositories[i] = r
	}

	if sanitized.Security.EncryptionKey != "" {
		sanitized.Security.EncryptionKey = maskSecret(sanitized.Security.EncryptionKey)
	}
	if sanitized.Security.Passphrase != "" {
		sanitized.Security.Passphrase = maskSecret(sanitized.Security.Passphrase)
	}
	return &sanitized
}

func maskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
