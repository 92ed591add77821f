package gates

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// pathWhitelist is the set of directories tool executables may come from.
// Anything else in PATH is dropped before any gate runs.
var pathWhitelist = []string{
	"/usr/local/go/bin",
	"/usr/local/bin",
	"/usr/bin",
	"/bin",
	"/usr/sbin",
	"/sbin",
}

// sanitizePath intersects the process PATH with the whitelist and refuses
// outright when a surviving directory is writable by group or other.
func sanitizePath() ([]string, error) {
	allowed := make(map[string]bool, len(pathWhitelist))
	for _, dir := range pathWhitelist {
		allowed[dir] = true
	}

	var dirs []string
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		dir = filepath.Clean(dir)
		if !allowed[dir] {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil {
			continue
		}
		if info.Mode().Perm()&0o022 != 0 {
			return nil, fmt.Errorf("refusing PATH entry %s: writable by non-owner", dir)
		}
		dirs = append(dirs, dir)
	}
	if len(dirs) == 0 {
		return nil, fmt.Errorf("no whitelisted PATH entries available")
	}
	return dirs, nil
}

// resolveTool finds the named executable in the sanitized directories and
// returns its absolute path. Names containing separators or shell
// metacharacters are refused.
func resolveTool(name string, dirs []string) (string, error) {
	if strings.ContainsAny(name, "/\\;&|$`<>(){}") {
		return "", fmt.Errorf("tool name %q not allowed", name)
	}
	for _, dir := range dirs {
		candidate := filepath.Join(dir, name)
		info, err := os.Stat(candidate)
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode().Perm()&0o111 == 0 {
			continue
		}
		return candidate, nil
	}
	return "", fmt.Errorf("tool %s not found in whitelisted PATH", name)
}
