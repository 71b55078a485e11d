package auth

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/classkit/backend-go/internal/v1/logging"
)

// GetAllowedOriginsFromEnv parses a comma-separated origin list from the
// environment, falling back to the provided defaults when unset.
// Example: CORS_ORIGINS="http://localhost:3000,https://app.classkit.io"
func GetAllowedOriginsFromEnv(envVarName string, defaultEnvs []string) []string {
	originsStr := os.Getenv(envVarName)
	if originsStr == "" {
		logging.Warn(context.Background(), fmt.Sprintf("%s environment variable not set. Using default development origins:\n%s", envVarName, defaultEnvs))
		return defaultEnvs
	}

	parts := strings.Split(originsStr, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			origins = append(origins, p)
		}
	}
	if len(origins) == 0 {
		return defaultEnvs
	}
	return origins
}
