package foxl

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the optional .foxlrc.yaml document. Its absence is not an
// error — LoadConfig returns the zero Config in that case, and the CLI
// falls back to its own built-in defaults.
type Config struct {
	HistoryFile  string   `yaml:"history_file"`
	IncludePaths []string `yaml:"include_paths"`
	Color        bool     `yaml:"color"`
}

// DefaultConfigFile is the filename LoadConfig looks for in the working
// directory when the CLI isn't given an explicit --config path.
const DefaultConfigFile = ".foxlrc.yaml"

// LoadConfig reads and decodes path. A missing file yields the zero Config
// and a nil error; any other I/O or decode failure is returned as-is.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, nil
		}
		return Config{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(&cfg); err != nil && err != io.EOF {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
