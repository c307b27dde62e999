// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"os"
	"regexp"

	"github.com/joho/godotenv"
)

var (
	envWithDefault = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`)
	envBraced      = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)
)

// expandEnv substitutes ${VAR} and ${VAR:-default} references in raw
// config bytes. Unset variables without a default expand to empty.
func expandEnv(raw []byte) []byte {
	out := envWithDefault.ReplaceAllFunc(raw, func(match []byte) []byte {
		parts := envWithDefault.FindSubmatch(match)
		if val := os.Getenv(string(parts[1])); val != "" {
			return []byte(val)
		}
		return parts[2]
	})
	return envBraced.ReplaceAllFunc(out, func(match []byte) []byte {
		parts := envBraced.FindSubmatch(match)
		return []byte(os.Getenv(string(parts[1])))
	})
}

// LoadEnvFiles loads .env.local and .env into the process environment
// if they exist. Existing variables win over file values.
func LoadEnvFiles() error {
	for _, file := range []string{".env.local", ".env"} {
		if err := godotenv.Load(file); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// ProviderAPIKey reads the conventional environment variable for a
// model provider, used when model.api_key is not configured.
func ProviderAPIKey(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "gemini":
		return os.Getenv("GEMINI_API_KEY")
	default:
		return ""
	}
}
