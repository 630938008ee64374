package feature

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

type catalogFile struct {
	Features []Feature `toml:"feature" yaml:"features"`
}

// LoadFile reads a catalog from a .toml, .yaml or .yml file.
func LoadFile(path string) ([]Feature, error) {
	var catalog catalogFile

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if _, err := toml.DecodeFile(path, &catalog); err != nil {
			return nil, fmt.Errorf("feature catalog: parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("feature catalog: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &catalog); err != nil {
			return nil, fmt.Errorf("feature catalog: parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("feature catalog: unsupported file extension %q", ext)
	}

	if len(catalog.Features) == 0 {
		return nil, fmt.Errorf("feature catalog %s: no features defined", path)
	}

	seen := make(map[string]struct{}, len(catalog.Features))
	for _, f := range catalog.Features {
		if err := f.Validate(); err != nil {
			return nil, fmt.Errorf("feature catalog %s: %w", path, err)
		}
		if _, dup := seen[f.ID]; dup {
			return nil, fmt.Errorf("feature catalog %s: duplicate feature id %q", path, f.ID)
		}
		seen[f.ID] = struct{}{}
	}
	return catalog.Features, nil
}

// Watch reloads the catalog into store whenever path changes, until ctx is
// done. A file that fails to load leaves the previous catalog in place.
func Watch(ctx context.Context, path string, store *MemoryStore) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("feature catalog: create watcher: %w", err)
	}

	// Watch the directory: editors often replace the file via rename.
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("feature catalog: watch %s: %w", dir, err)
	}

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				reload(path, store)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[features] watcher error: %v", err)
			}
		}
	}()
	return nil
}

func reload(path string, store *MemoryStore) {
	items, err := LoadFile(path)
	if err != nil {
		log.Printf("[features] reload failed, keeping previous catalog: %v", err)
		return
	}
	store.Replace(items)
	log.Printf("[features] reloaded %d features from %s", len(items), path)
}
