package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/exprisk/orchestrator/internal/policy"
)

// intentsFile is the on-disk shape of the intent keyword config.
type intentsFile struct {
	Intents policy.Keywords `yaml:"intents"`
}

// LoadIntents reads the keyword sets from path. A missing file yields the
// built-in defaults.
func LoadIntents(path string) (policy.Keywords, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return policy.DefaultKeywords(), nil
		}
		return policy.Keywords{}, fmt.Errorf("read intents %s: %w", path, err)
	}

	var f intentsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return policy.Keywords{}, fmt.Errorf("parse intents %s: %w", path, err)
	}
	if len(f.Intents.ScheduleRisk) == 0 && len(f.Intents.PoliticalRisk) == 0 {
		return policy.DefaultKeywords(), nil
	}
	return f.Intents, nil
}

// WatchIntents reloads the classifier whenever the intents file changes.
// Editors replace rather than rewrite files, so create and rename events in
// the parent directory count as changes too. Runs until ctx is cancelled.
func WatchIntents(ctx context.Context, path string, classifier *policy.Classifier, logger *zap.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create intents watcher: %w", err)
	}

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()

		var lastReload time.Time
		base := filepath.Base(path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.EqualFold(filepath.Base(event.Name), base) {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				// editors fire bursts of events per save
				if time.Since(lastReload) < 200*time.Millisecond {
					continue
				}
				lastReload = time.Now()

				kw, err := LoadIntents(path)
				if err != nil {
					logger.Warn("intents reload failed, keeping previous keywords",
						zap.String("path", path),
						zap.Error(err),
					)
					continue
				}
				classifier.SetKeywords(kw)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("intents watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}
