package secrets

import (
	"fmt"
	"os"
	"strings"
)

// EnvLoader returns a Loader that reads the given environment variables.
// KEY_FILE, when set, names a file whose trimmed content is used for KEY;
// it takes precedence over KEY itself. Missing variables are omitted.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if path := os.Getenv(k + "_FILE"); path != "" {
				data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied secret path
				if err != nil {
					return nil, fmt.Errorf("read %s_FILE: %w", k, err)
				}
				vals[k] = strings.TrimSpace(string(data))
				continue
			}
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}
