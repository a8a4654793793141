// Package config provides server configuration for SnapKeep.
//
//   - spec.go: ServerConfig struct definition
//   - default.go: default values
//   - verify.go: validation
//   - sanitize.go: masking of secrets for logging
//   - cluster.go: conversion to clusterserver.Config
//
// Configuration is loaded via internal/infra/confloader from a YAML file,
// SNAPKEEP_ environment variables and flag overrides.
package config
