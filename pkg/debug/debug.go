// Package debug provides category-based debug logging for mcpconnect.
//
// Two orthogonal controls:
//   - Categories (WHAT to debug): controlled via MCPCONNECT_DEBUG env or config
//   - Levels (HOW MUCH detail): controlled via MCPCONNECT_LOG_LEVEL env or config
//
// Usage:
//
//	debug.Log("mcp", "state change", "server", name, "from", from, "to", to)
//	if debug.Enabled("transport") { /* expensive formatting */ }
//
// Categories: mcp, transport, oauth, flow, tokens, pool, config, auth, storage, all.
// Levels: ERROR, WARN, INFO, DEBUG, TRACE.
package debug

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync/atomic"
)

// LevelTrace is below slog.LevelDebug for maximum verbosity.
// At TRACE, full JSON-RPC payloads crossing a transport are logged.
const LevelTrace = slog.LevelDebug - 4

// categories holds the set of enabled debug categories. Tests and Init swap
// the whole map, so readers never see a partially built set.
var categories atomic.Pointer[map[string]bool]

func init() {
	setCategories(parseCategories(os.Getenv("MCPCONNECT_DEBUG")))
}

// Init configures the debug system. Called at startup with values
// from config and/or environment. Environment overrides config.
func Init(configCategories string, configLevel string) {
	cats := os.Getenv("MCPCONNECT_DEBUG")
	if cats == "" {
		cats = configCategories
	}
	setCategories(parseCategories(cats))

	level := os.Getenv("MCPCONNECT_LOG_LEVEL")
	if level == "" {
		level = configLevel
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: ParseLevel(level),
	})))
}

// Enabled reports whether debug output is active for the given category.
func Enabled(category string) bool {
	m := *categories.Load()
	return m["all"] || m[category]
}

// Log emits a debug message for the given category.
// If the category is not enabled, this is a no-op.
func Log(category string, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Debug(msg, append([]any{"debug", category}, args...)...)
}

// Trace emits a trace-level message for the given category.
// Only visible when MCPCONNECT_LOG_LEVEL=TRACE.
func Trace(category string, msg string, args ...any) {
	if !Enabled(category) {
		return
	}
	slog.Log(context.Background(), LevelTrace, msg, append([]any{"debug", category}, args...)...)
}

// TraceIsEnabled reports whether TRACE level is active for the given category.
func TraceIsEnabled(category string) bool {
	if !Enabled(category) {
		return false
	}
	return slog.Default().Enabled(context.Background(), LevelTrace)
}

// Raw writes plain text to stderr without any slog formatting.
// Only emitted when category is enabled AND level is TRACE.
func Raw(category string, text string) {
	if !TraceIsEnabled(category) {
		return
	}
	fmt.Fprintln(os.Stderr, text)
}

// ParseLevel converts a level string to a slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return slog.LevelDebug
	case "INFO", "":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Categories returns the sorted list of enabled categories.
func Categories() []string {
	m := *categories.Load()
	result := make([]string, 0, len(m))
	for k := range m {
		result = append(result, k)
	}
	sort.Strings(result)
	return result
}

// Truncate returns s truncated to maxLen bytes, with "..." appended if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

func setCategories(m map[string]bool) {
	categories.Store(&m)
}

func parseCategories(s string) map[string]bool {
	m := make(map[string]bool)
	if s == "" {
		return m
	}
	for _, cat := range strings.Split(s, ",") {
		cat = strings.TrimSpace(strings.ToLower(cat))
		if cat != "" {
			m[cat] = true
		}
	}
	return m
}
