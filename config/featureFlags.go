package config

import (
	"os"
	"strings"
)

// CascadeStageDisabled reports whether an event type has been switched off.
// Disabled stages leave their ledger events unprocessed so they can be drained later.
//
// Set via env:
// - CASCADE_DISABLED_STAGES="overheadRateUpdate,accountingEntryUpdate"
//
// Event types are case-insensitive.
func CascadeStageDisabled(eventType string) bool {
	eventType = strings.ToLower(strings.TrimSpace(eventType))
	if eventType == "" {
		return false
	}
	raw := os.Getenv("CASCADE_DISABLED_STAGES")
	if strings.TrimSpace(raw) == "" {
		return false
	}
	for _, part := range strings.Split(raw, ",") {
		if strings.ToLower(strings.TrimSpace(part)) == eventType {
			return true
		}
	}
	return false
}

// LedgerPubSubEnabled switches the dispatcher between Pub/Sub fan-out and direct polling only.
//
// Set via env:
// - LEDGER_PUBSUB_ENABLED=true
func LedgerPubSubEnabled() bool {
	return boolFromEnv("LEDGER_PUBSUB_ENABLED", false)
}

func boolFromEnv(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "":
		return def
	case "1", "true", "yes", "y":
		return true
	case "0", "false", "no", "n":
		return false
	}
	return def
}
