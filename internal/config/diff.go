package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only rate-limit templates and the log level can be applied without a
// restart; every other changed section is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// RateLimitsChanged is true when any template was added, removed or
	// modified.
	RateLimitsChanged bool

	// RateLimitChanges lists per-type changes, sorted by type.
	RateLimitChanges []RateLimitDiff

	// RestartRequired names the top-level keys whose change only takes
	// effect after a restart, e.g. "runtime" or "analytics".
	RestartRequired []string
}

// RateLimitDiff describes what changed for a single limit type.
type RateLimitDiff struct {
	Type    string
	Old     RateLimitConfig
	New     RateLimitConfig
	Added   bool
	Removed bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	types := make(map[string]struct{}, len(old.RateLimits)+len(new.RateLimits))
	for t := range old.RateLimits {
		types[t] = struct{}{}
	}
	for t := range new.RateLimits {
		types[t] = struct{}{}
	}
	for _, t := range slices.Sorted(maps.Keys(types)) {
		o, inOld := old.RateLimits[t]
		n, inNew := new.RateLimits[t]
		switch {
		case !inOld:
			d.RateLimitChanges = append(d.RateLimitChanges, RateLimitDiff{Type: t, New: n, Added: true})
		case !inNew:
			d.RateLimitChanges = append(d.RateLimitChanges, RateLimitDiff{Type: t, Old: o, Removed: true})
		case o != n:
			d.RateLimitChanges = append(d.RateLimitChanges, RateLimitDiff{Type: t, Old: o, New: n})
		}
	}
	d.RateLimitsChanged = len(d.RateLimitChanges) > 0

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	if !reflect.DeepEqual(oldServer, newServer) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Runtime, new.Runtime) {
		d.RestartRequired = append(d.RestartRequired, "runtime")
	}
	if !reflect.DeepEqual(old.Analytics, new.Analytics) {
		d.RestartRequired = append(d.RestartRequired, "analytics")
	}
	if !reflect.DeepEqual(old.Tools, new.Tools) {
		d.RestartRequired = append(d.RestartRequired, "tools")
	}
	if !reflect.DeepEqual(old.MCP, new.MCP) {
		d.RestartRequired = append(d.RestartRequired, "mcp")
	}
	if !reflect.DeepEqual(old.Telemetry, new.Telemetry) {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}

	return d
}
