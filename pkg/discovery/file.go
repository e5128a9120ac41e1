package discovery

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/rs/zerolog"

	"github.com/proksi/proksi/pkg/routes"
)

// DefaultDebounce is how long the file watcher waits for writes to settle.
const DefaultDebounce = 200 * time.Millisecond

// LoadRoutesFile reads the routes key of a YAML file.
func LoadRoutesFile(path string) ([]routes.Definition, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading routes file %s: %w", path, err)
	}
	var defs []routes.Definition
	if err := k.Unmarshal("routes", &defs); err != nil {
		return nil, fmt.Errorf("parsing routes file %s: %w", path, err)
	}
	return defs, nil
}

// FileSource publishes the routes of a YAML file every time it changes.
type FileSource struct {
	Path     string
	Debounce time.Duration
	Logger   zerolog.Logger

	mu    sync.Mutex
	hosts map[string]bool
}

// NewFileSource watches path.
func NewFileSource(path string, logger zerolog.Logger) *FileSource {
	return &FileSource{
		Path:     path,
		Debounce: DefaultDebounce,
		Logger:   logger.With().Str("service", "discovery").Str("routes_file", path).Logger(),
	}
}

// Reload reads the file and publishes a NewRoute per definition and a
// RemoveRoute for every host the previous load published but this one lacks.
func (f *FileSource) Reload(pub Publisher) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	defs, err := LoadRoutesFile(f.Path)
	if err != nil {
		return err
	}
	current := make(map[string]bool, len(defs))
	for _, def := range defs {
		current[routes.NormalizeHost(def.Host)] = true
		pub.Publish(NewRoute(def))
	}
	previous := f.hosts
	f.hosts = current
	for host := range previous {
		if !current[host] {
			pub.Publish(RemoveRoute(host))
		}
	}
	f.Logger.Info().Int("routes", len(defs)).Msg("routes file loaded")
	return nil
}

// Run loads the file once and then reloads it on change until ctx is done.
// The parent directory is watched so editors that replace the file are seen.
func (f *FileSource) Run(ctx context.Context, pub Publisher) error {
	if err := f.Reload(pub); err != nil {
		f.Logger.Error().Err(err).Msg("initial routes file load failed")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(f.Path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	debounce := f.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()
	reload := func() {
		if err := f.Reload(pub); err != nil {
			f.Logger.Error().Err(err).Msg("routes file reload failed")
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return fmt.Errorf("watcher events channel closed")
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			f.Logger.Debug().Str("op", event.Op.String()).Msg("routes file event")
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, reload)
		case err, ok := <-watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher errors channel closed")
			}
			f.Logger.Error().Err(err).Msg("file watcher error")
		}
	}
}
