// Package envload reads local .env files so provider tokens do not have to
// live in the shell profile.
package envload

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// EnvFileVar names an explicit env file to load, bypassing the search.
const EnvFileVar = "CONVO_ENV_FILE"

// LoadNearest loads the closest .env file, walking from the working
// directory up to the filesystem root. CONVO_ENV_FILE short-circuits the
// walk with an explicit path. Returns the loaded path, or empty when no
// file was found. Variables already present in the environment win over
// file values in every case.
func LoadNearest() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv(EnvFileVar)); explicit != "" {
		if err := loadFile(explicit); err != nil {
			return "", fmt.Errorf("envload: %s: %w", EnvFileVar, err)
		}
		return explicit, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for dir := wd; ; {
		candidate := filepath.Join(dir, ".env")
		if _, err := os.Stat(candidate); err == nil {
			if err := loadFile(candidate); err != nil {
				return "", err
			}
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", nil
		}
		dir = parent
	}
}

func loadFile(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		key, value, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("envload: set %q: %w", key, err)
		}
	}
	return scanner.Err()
}

func parseLine(raw string) (key, value string, ok bool) {
	line := strings.TrimSpace(raw)
	if line == "" || strings.HasPrefix(line, "#") {
		return "", "", false
	}
	line = strings.TrimPrefix(line, "export ")
	k, v, found := strings.Cut(line, "=")
	if !found {
		return "", "", false
	}
	key = strings.TrimSpace(k)
	if key == "" {
		return "", "", false
	}
	value = strings.Trim(strings.TrimSpace(v), `"'`)
	return key, value, true
}
