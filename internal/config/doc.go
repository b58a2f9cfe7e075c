// Package config provides centralized configuration management for the
// Agora substrate: a JSON configuration file with sensible defaults for
// the API server, event stores, intent queues, pipeline billing, the
// tick scheduler and the auction oracle, plus a YAML side file defining
// the resource types the ledger accounts against.
package config
