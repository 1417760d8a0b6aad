package app

import (
	"log/slog"

	"github.com/MrWong99/scribe/internal/config"
)

// ApplyConfig applies the hot-reloadable parts of a config change: log
// level, vocabulary and preprocessing. It has the [config.ChangeFunc]
// signature. Sections listed in diff.RestartRequired are left alone; the
// watcher already warns about them.
func (a *App) ApplyConfig(_, newCfg *config.Config, diff config.ConfigDiff) {
	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(diff.NewLogLevel.Slog())
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}

	if diff.VocabularyChanged {
		// A nil corrector disables correction.
		a.orch.SetCorrector(newCorrector(newCfg.Vocabulary))
		slog.Info("vocabulary reloaded",
			"terms", len(newCfg.Vocabulary),
			"added", diff.AddedTerms,
			"removed", diff.RemovedTerms,
		)
	}

	if diff.PreprocessChanged {
		a.orch.SetPreprocessor(newPreprocessor(newCfg.Preprocess, a.metrics))
		slog.Info("preprocessing reloaded",
			"noise_reduction", newCfg.Preprocess.NoiseReductionEnabled(),
			"strength", newCfg.Preprocess.Strength,
		)
	}
}
