package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - QMOVE_CONFIG_PATH: config file location (default: ~/.config/qmove.toml)
//   - QMOVE_HOME: base directory for qmove data (default: ~/.local/share/qmove)
//   - QMOVE_WORKER_ID: name stamped on log lines (default: hostname)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	workerID, err := getWorkerID()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"worker_id":   workerID,
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// getConfigPath returns the config file path, checking QMOVE_CONFIG_PATH env var first,
// then falling back to the default ~/.config/qmove.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("QMOVE_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "qmove.toml"), nil
}

// getBaseDir returns the base directory for qmove data, checking QMOVE_HOME env var first,
// then falling back to the XDG default ~/.local/share/qmove.
func getBaseDir() (string, error) {
	if path := os.Getenv("QMOVE_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "qmove"), nil
}

// getWorkerID returns QMOVE_WORKER_ID if set, else the hostname.
func getWorkerID() (string, error) {
	if id := os.Getenv("QMOVE_WORKER_ID"); id != "" {
		return id, nil
	}
	host, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("cannot determine hostname: %w", err)
	}
	return host, nil
}
