package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// WriteDefault writes a configuration file holding every default. It
// refuses to overwrite unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}
	data, err := toml.Marshal(DefaultTree())
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o600)
}

// DefaultTree nests the flat default keys into TOML tables and adds an
// example room.
func DefaultTree() map[string]any {
	root := make(map[string]any)
	for key, val := range defaults {
		parts := strings.Split(key, ".")
		node := root
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p].(map[string]any)
			if !ok {
				child = make(map[string]any)
				node[p] = child
			}
			node = child
		}
		node[parts[len(parts)-1]] = val
	}
	root["rooms"] = []map[string]any{
		{"id": "example_room", "display_name": "Example Room", "enabled": false},
	}
	return root
}
