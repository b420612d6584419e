package docker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

var (
	socketMu     sync.Mutex
	cachedSocket string
)

// ResolveSocketPath returns the daemon socket path, trying in order: the
// override (config or DOCKER_HOST, unix:// prefix stripped), the socket of
// the selected docker CLI context, the user runtime socket, and the system
// socket. The first path that stats wins and is cached process-wide.
func ResolveSocketPath(override string) (string, error) {
	socketMu.Lock()
	defer socketMu.Unlock()

	if cachedSocket != "" {
		return cachedSocket, nil
	}

	candidates := candidateSocketPaths(override)
	for _, path := range candidates {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err == nil {
			cachedSocket = path
			return path, nil
		}
	}

	return "", fmt.Errorf("no docker socket found (tried %s)", strings.Join(candidates, ", "))
}

// ResetSocketCache clears the cached socket path so the next resolution
// walks the candidates again.
func ResetSocketCache() {
	socketMu.Lock()
	defer socketMu.Unlock()
	cachedSocket = ""
}

func candidateSocketPaths(override string) []string {
	candidates := []string{}

	if override != "" {
		candidates = append(candidates, strings.TrimPrefix(override, "unix://"))
	} else if host := os.Getenv("DOCKER_HOST"); host != "" {
		candidates = append(candidates, strings.TrimPrefix(host, "unix://"))
	}

	if ctxSocket := currentContextSocket(); ctxSocket != "" {
		candidates = append(candidates, ctxSocket)
	}

	if runtimeDir := os.Getenv("XDG_RUNTIME_DIR"); runtimeDir != "" {
		candidates = append(candidates, filepath.Join(runtimeDir, "docker.sock"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".docker", "run", "docker.sock"))
	}

	candidates = append(candidates, "/var/run/docker.sock")
	return candidates
}

// currentContextSocket reads the docker CLI's selected context and returns
// the unix socket its endpoint points at, or "" when unset or unreadable.
func currentContextSocket() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	configPath := filepath.Join(home, ".docker", "config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		return ""
	}

	var cliConfig struct {
		CurrentContext string `json:"currentContext"`
	}
	if err := json.Unmarshal(data, &cliConfig); err != nil {
		return ""
	}
	if cliConfig.CurrentContext == "" || cliConfig.CurrentContext == "default" {
		return ""
	}

	// Context metadata lives in a directory named by the SHA-256 of the
	// context name.
	sum := sha256.Sum256([]byte(cliConfig.CurrentContext))
	metaPath := filepath.Join(home, ".docker", "contexts", "meta", hex.EncodeToString(sum[:]), "meta.json")
	metaData, err := os.ReadFile(metaPath)
	if err != nil {
		return ""
	}

	var meta struct {
		Endpoints map[string]struct {
			Host string `json:"Host"`
		} `json:"Endpoints"`
	}
	if err := json.Unmarshal(metaData, &meta); err != nil {
		return ""
	}

	endpoint, ok := meta.Endpoints["docker"]
	if !ok || !strings.HasPrefix(endpoint.Host, "unix://") {
		return ""
	}
	return strings.TrimPrefix(endpoint.Host, "unix://")
}
