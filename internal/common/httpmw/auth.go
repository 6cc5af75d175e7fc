package httpmw

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
)

// AuthHeader carries the shared secret on HTTP and WebSocket requests.
// The "key" query parameter is accepted as a fallback for clients that
// cannot set headers (EventSource, browser WebSocket).
const (
	AuthHeader = "X-TaskHive-Key"
	AuthQuery  = "key"
)

// secretFileName is where a generated secret is persisted under the data dir.
const secretFileName = "secret"

// LoadOrCreateSecret returns the shared secret: the explicit override if set,
// otherwise a secret read from (or generated and persisted to) dataDir.
func LoadOrCreateSecret(override, dataDir string) (string, error) {
	if override != "" {
		return override, nil
	}

	path := filepath.Join(dataDir, secretFileName)
	if data, err := os.ReadFile(path); err == nil {
		if secret := strings.TrimSpace(string(data)); secret != "" {
			return secret, nil
		}
	}

	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate auth secret: %w", err)
	}
	secret := hex.EncodeToString(buf)

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(secret+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist auth secret: %w", err)
	}
	return secret, nil
}

// SharedSecretAuth rejects requests that do not present the shared secret
// as a header or query parameter.
func SharedSecretAuth(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader(AuthHeader)
		if presented == "" {
			presented = c.Query(AuthQuery)
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}
		c.Next()
	}
}
