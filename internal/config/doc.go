// Package config loads, defaults and validates the gateway
// configuration document.
//
// The document is YAML with ${VAR} and ${VAR:-default} environment
// substitution. It is read once at startup; the Watcher only reports
// edits, since the running gateway never applies a new document.
package config
