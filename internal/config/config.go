// Package config implements the Config View (component A): a read-only,
// atomically-swapped snapshot of `server_name -> LaunchSpec`, loaded from the
// MCPU JSON config file. Nothing outside Reload mutates the snapshot, and
// the Router never observes a partial update.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"mcpu/internal/model"
)

// Path resolves the MCPU config file path: $XDG_CONFIG_HOME/mcpu/config.json,
// falling back to ~/.config/mcpu/config.json.
func Path() string {
	if root := os.Getenv("XDG_CONFIG_HOME"); root != "" {
		return filepath.Join(root, "mcpu", "config.json")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".config", "mcpu", "config.json")
}

// fileSchema mirrors the on-disk JSON: { "<server_name>": {command, args, env} }.
type fileSchema map[string]model.LaunchSpec

// View is a snapshot of the resolved server map. It is safe for concurrent
// use; Reload swaps the snapshot atomically.
type View struct {
	path string
	snap atomic.Pointer[fileSchema]
}

// Load reads path (or Path() if empty) and returns a ready View.
func Load(path string) (*View, error) {
	if path == "" {
		path = Path()
	}
	v := &View{path: path}
	if err := v.Reload(); err != nil {
		return nil, err
	}
	return v, nil
}

// Reload re-reads the config file from disk and atomically replaces the
// snapshot. An error leaves the previous snapshot (if any) untouched.
func (v *View) Reload() error {
	data, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", v.path, err)
	}

	var raw fileSchema
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("config: parse %s: %w", v.path, err)
	}
	if err := validate(raw); err != nil {
		return fmt.Errorf("config: validate %s: %w", v.path, err)
	}

	v.snap.Store(&raw)
	return nil
}

func validate(raw fileSchema) error {
	if len(raw) == 0 {
		return errors.New("no servers defined")
	}
	for name, spec := range raw {
		if strings.TrimSpace(name) == "" {
			return errors.New("server name must not be empty")
		}
		if strings.TrimSpace(spec.Command) == "" {
			return fmt.Errorf("server %q: command is required", name)
		}
	}
	return nil
}

// Lookup returns the LaunchSpec for name, or (zero, false) if unknown.
func (v *View) Lookup(name model.ServerName) (model.LaunchSpec, bool) {
	snap := v.snap.Load()
	if snap == nil {
		return model.LaunchSpec{}, false
	}
	spec, ok := (*snap)[name]
	return spec, ok
}

// List returns every configured server name, sorted.
func (v *View) List() []model.ServerName {
	snap := v.snap.Load()
	if snap == nil {
		return nil
	}
	names := make([]model.ServerName, 0, len(*snap))
	for name := range *snap {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
