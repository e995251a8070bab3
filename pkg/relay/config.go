// Package relay implements the processing backend the tracker talks to:
// it accepts spreadsheet uploads, runs the conversion pipeline, and
// serves the status contract (/upload, /status, /cancel).
package relay

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

const (
	defaultPort      = 3001
	defaultUploadDir = "uploads"
	defaultDataDir   = "data"
)

// Step is one pipeline stage. The uploaded file's path is appended to
// Args when the step runs.
type Step struct {
	Name    string
	Command string
	Args    []string
}

// Config holds the relay daemon configuration, read from the
// environment with an optional .env file.
type Config struct {
	Debug     bool
	Port      int
	UploadDir string
	DataDir   string
	Pipeline  []Step
}

// LoadConfig reads configuration from the environment. A .env file in
// the working directory is loaded first if present.
func LoadConfig() (*Config, error) {
	// Missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg := &Config{
		Debug:     os.Getenv("RELAY_DEBUG") == "true",
		Port:      defaultPort,
		UploadDir: defaultUploadDir,
		DataDir:   defaultDataDir,
	}

	if v := os.Getenv("RELAY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 {
			return nil, fmt.Errorf("relay: invalid RELAY_PORT %q", v)
		}
		cfg.Port = port
	}
	if v := os.Getenv("RELAY_UPLOAD_DIR"); v != "" {
		cfg.UploadDir = v
	}
	if v := os.Getenv("RELAY_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	scripts := os.Getenv("RELAY_SCRIPTS_DIR")
	if scripts == "" {
		scripts = "scripts"
	}
	cfg.Pipeline = defaultPipeline(scripts)

	return cfg, nil
}

// defaultPipeline is the spreadsheet conversion chain. Each step
// receives the uploaded file's path as its final argument; the last
// step prints the run summary as JSON on its final stdout line.
func defaultPipeline(scriptsDir string) []Step {
	return []Step{
		{Name: "convert", Command: "python3", Args: []string{scriptsDir + "/convert_xlsx.py"}},
		{Name: "clean", Command: "python3", Args: []string{scriptsDir + "/clean_data.py"}},
		{Name: "geocode", Command: "python3", Args: []string{scriptsDir + "/geocode.py"}},
		{Name: "merge", Command: "python3", Args: []string{scriptsDir + "/merge_geojson.py"}},
	}
}

// Validate checks the configuration before the server starts.
func (c *Config) Validate() error {
	if c.Port <= 0 {
		return fmt.Errorf("relay: port must be positive")
	}
	if c.UploadDir == "" {
		return fmt.Errorf("relay: upload dir is required")
	}
	if len(c.Pipeline) == 0 {
		return fmt.Errorf("relay: pipeline must have at least one step")
	}
	return nil
}
