// Package config holds the env-var parsing helpers shared by every
// per-component Config struct in this module.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// StringOrDefault returns the env var's value, or def if unset/empty.
func StringOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Int64OrDefault parses the env var as an int64, falling back to def on any
// parse failure or if unset.
func Int64OrDefault(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// IntOrDefault is Int64OrDefault narrowed to int.
func IntOrDefault(key string, def int) int {
	return int(Int64OrDefault(key, int64(def)))
}

// DurationOrDefault parses the env var with time.ParseDuration, falling
// back to def on any parse failure or if unset.
func DurationOrDefault(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// BoolOrDefault parses "1"/"true"/"yes" (case-insensitive) as true and
// "0"/"false"/"no" as false, falling back to def otherwise.
func BoolOrDefault(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	default:
		return def
	}
}

// ListOrDefault splits a comma-separated env var into a trimmed, non-empty
// slice, falling back to def if unset.
func ListOrDefault(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
