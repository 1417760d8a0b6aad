package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Hot-reloadable changes are broken out; everything else is listed in
// RestartRequired by top-level section name.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VocabularyChanged is set when any term was added or removed.
	VocabularyChanged bool
	AddedTerms        []string
	RemovedTerms      []string

	// PreprocessChanged is set when noise reduction was toggled or its
	// strength changed.
	PreprocessChanged bool

	// RestartRequired names sections whose changes only take effect after a
	// restart (e.g. "audio", "engines").
	RestartRequired []string
}

// Empty reports whether d carries no change at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VocabularyChanged && !d.PreprocessChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.AddedTerms, d.RemovedTerms = diffTerms(old.Vocabulary, new.Vocabulary)
	d.VocabularyChanged = len(d.AddedTerms) > 0 || len(d.RemovedTerms) > 0

	if old.Preprocess.NoiseReductionEnabled() != new.Preprocess.NoiseReductionEnabled() ||
		old.Preprocess.Strength != new.Preprocess.Strength {
		d.PreprocessChanged = true
	}

	oldServer, newServer := old.Server, new.Server
	oldServer.LogLevel, newServer.LogLevel = "", ""
	sections := []struct {
		name     string
		old, new any
	}{
		{"server", oldServer, newServer},
		{"audio", old.Audio, new.Audio},
		{"transcription", old.Transcription, new.Transcription},
		{"engines", old.Engines, new.Engines},
		{"vad", old.VAD, new.VAD},
		{"fanout", old.Fanout, new.Fanout},
		{"telemetry", old.Telemetry, new.Telemetry},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}

	return d
}

// diffTerms returns the terms only present in new and only present in old,
// each in input order.
func diffTerms(old, new []string) (added, removed []string) {
	for _, t := range new {
		if !slices.Contains(old, t) {
			added = append(added, t)
		}
	}
	for _, t := range old {
		if !slices.Contains(new, t) {
			removed = append(removed, t)
		}
	}
	return added, removed
}
