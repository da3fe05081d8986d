package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// LoadEnvFile merges KEY=VALUE pairs from a dotenv file into the process
// environment. Variables that are already set win over the file, and a
// missing file is not an error. It reports whether the file was read.
func LoadEnvFile(path string) (bool, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return false, nil
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat env file %q: %w", path, err)
	}
	if err := godotenv.Load(path); err != nil {
		return false, fmt.Errorf("load env file %q: %w", path, err)
	}
	return true, nil
}

// EnvFilePath resolves which dotenv file to load, before flags are parsed.
func EnvFilePath() string {
	return envOrDefault(os.LookupEnv, EnvVarEnvFile, DefaultEnvFile)
}
