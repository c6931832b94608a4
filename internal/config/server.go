package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// DevServerConfig configures the development server of `hzwatch serve`.
type DevServerConfig struct {
	Addr string `mapstructure:"addr"`
	// SeedDir holds one <collection>.jsonl file per collection.
	SeedDir string `mapstructure:"seed_dir"`
}

func validateDevServer(errs *ValidationErrors, d DevServerConfig) {
	if d.Addr == "" {
		errs.add("devserver.addr", d.Addr, "required")
	}
	if d.SeedDir == "" {
		return
	}
	info, err := os.Stat(d.SeedDir)
	if err != nil {
		errs.add("devserver.seed_dir", d.SeedDir, "cannot be read")
		return
	}
	if !info.IsDir() {
		errs.add("devserver.seed_dir", d.SeedDir, "must be a directory")
	}
}

// SeedFiles returns the seed files of the dev server keyed by collection.
func (d DevServerConfig) SeedFiles() (map[string]string, error) {
	if d.SeedDir == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(d.SeedDir)
	if err != nil {
		return nil, fmt.Errorf("reading seed directory: %w", err)
	}

	files := make(map[string]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".jsonl" {
			continue
		}
		files[name[:len(name)-len(".jsonl")]] = filepath.Join(d.SeedDir, name)
	}
	return files, nil
}
