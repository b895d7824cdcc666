package keys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ErrEmptyKey is returned when a key file contains no bytes.
var ErrEmptyKey = errors.New("key file is empty")

// mapFile is the YAML layout of a key map file.
type mapFile struct {
	Default string            `yaml:"default"`
	Keys    map[string]string `yaml:"keys"`
}

// LoadKey reads a single secret. The file content is used as-is, so keys
// generated from /dev/urandom work unchanged.
func LoadKey(path string) (Key, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyKey)
	}
	return Key(data), nil
}

// LoadMap reads a YAML key map whose values are key file paths. Relative
// paths resolve against the map file's directory.
func LoadMap(path string) (entries map[string]Key, def Key, err error) {
	mf, err := readMapFile(path)
	if err != nil {
		return nil, nil, err
	}

	entries = make(map[string]Key, len(mf.Keys))
	for name, keyPath := range mf.Keys {
		if name == "" || keyPath == "" {
			return nil, nil, fmt.Errorf("key map %s: entry %q has no key file", path, name)
		}
		key, err := LoadKey(keyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("key map %s: entry %q: %w", path, name, err)
		}
		entries[name] = key
	}

	if mf.Default != "" {
		def, err = LoadKey(mf.Default)
		if err != nil {
			return nil, nil, fmt.Errorf("key map %s: default: %w", path, err)
		}
	}
	return entries, def, nil
}

// readMapFile parses a key map and makes every key path absolute.
func readMapFile(path string) (*mapFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key map file: %w", err)
	}

	var mf mapFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("failed to parse key map file: %w", err)
	}

	dir := filepath.Dir(path)
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(dir, p)
	}
	mf.Default = resolve(mf.Default)
	for name, keyPath := range mf.Keys {
		mf.Keys[name] = resolve(keyPath)
	}
	return &mf, nil
}

// Files lists every file a Load of keyFile and keyMapFile reads.
func Files(keyFile, keyMapFile string) ([]string, error) {
	var files []string
	if keyFile != "" {
		files = append(files, keyFile)
	}
	if keyMapFile != "" {
		files = append(files, keyMapFile)
		mf, err := readMapFile(keyMapFile)
		if err != nil {
			return nil, err
		}
		if mf.Default != "" {
			files = append(files, mf.Default)
		}
		for _, p := range mf.Keys {
			if p != "" {
				files = append(files, p)
			}
		}
	}
	return files, nil
}

// Load builds a Map from an optional key file (the default key) and an
// optional key map file. A default in the key file wins over one in the map.
func Load(keyFile, keyMapFile string) (*Map, error) {
	var (
		entries map[string]Key
		def     Key
	)
	if keyMapFile != "" {
		var err error
		entries, def, err = LoadMap(keyMapFile)
		if err != nil {
			return nil, err
		}
	}
	if keyFile != "" {
		key, err := LoadKey(keyFile)
		if err != nil {
			return nil, err
		}
		def = key
	}
	return New(entries, def), nil
}

// PersonalPath returns ~/name when it exists, for the standalone validator's
// default key locations. It returns "" otherwise.
func PersonalPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	p := filepath.Join(home, name)
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}
