package config

import (
	"maps"
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configurations.
type ConfigDiff struct {
	// LogLevelChanged is true when server.log_level differs.
	LogLevelChanged bool
	// NewLogLevel is the new log level (only meaningful when LogLevelChanged is true).
	NewLogLevel LogLevel

	// RelayChanged is true when any relay tuning value differs. New tuning
	// applies to connections accepted after the reload.
	RelayChanged bool

	// ScenariosChanged is true when any scenario was added, removed, or edited.
	ScenariosChanged bool
	// ScenarioChanges lists per-scenario changes, sorted by id.
	ScenarioChanges []ScenarioDiff

	// RestartRequired names changed settings that only take effect after a
	// restart (listener, upstream credentials, usage backend, registry sizing).
	RestartRequired []string
}

// ScenarioDiff describes a change to a single scenario.
type ScenarioDiff struct {
	ID      string
	Added   bool
	Removed bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.RelayChanged = !reflect.DeepEqual(old.Relay, new.Relay)

	ids := make(map[string]struct{}, len(old.Scenarios)+len(new.Scenarios))
	for id := range old.Scenarios {
		ids[id] = struct{}{}
	}
	for id := range new.Scenarios {
		ids[id] = struct{}{}
	}
	for _, id := range slices.Sorted(maps.Keys(ids)) {
		before, inOld := old.Scenarios[id]
		after, inNew := new.Scenarios[id]
		switch {
		case !inOld:
			d.ScenarioChanges = append(d.ScenarioChanges, ScenarioDiff{ID: id, Added: true})
		case !inNew:
			d.ScenarioChanges = append(d.ScenarioChanges, ScenarioDiff{ID: id, Removed: true})
		case before != after:
			d.ScenarioChanges = append(d.ScenarioChanges, ScenarioDiff{ID: id})
		}
	}
	d.ScenariosChanged = len(d.ScenarioChanges) > 0

	if old.Server.ListenAddr != new.Server.ListenAddr || !reflect.DeepEqual(old.Server.TLS, new.Server.TLS) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !reflect.DeepEqual(old.Upstream, new.Upstream) || !reflect.DeepEqual(old.UpstreamFallbacks, new.UpstreamFallbacks) {
		d.RestartRequired = append(d.RestartRequired, "upstream")
	}
	if old.Usage != new.Usage {
		d.RestartRequired = append(d.RestartRequired, "usage")
	}
	if old.Sessions != new.Sessions {
		d.RestartRequired = append(d.RestartRequired, "sessions")
	}

	return d
}
