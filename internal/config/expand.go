package config

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ExpandPath resolves ~, ${HOME} and ${USER} in a local path.
// Does not support ~username syntax - just ~ for the current user.
func ExpandPath(path string) string {
	if path == "" {
		return path
	}

	result := path
	if strings.Contains(result, "${HOME}") {
		result = strings.ReplaceAll(result, "${HOME}", getHome())
	}
	if strings.Contains(result, "${USER}") {
		result = strings.ReplaceAll(result, "${USER}", getUser())
	}

	if result == "~" {
		return getHome()
	}
	if strings.HasPrefix(result, "~/") {
		return filepath.Join(getHome(), result[2:])
	}
	return result
}

// getUser returns the current username for ${USER} expansion.
func getUser() string {
	// Try USER env var first (most common)
	if user := os.Getenv("USER"); user != "" {
		return user
	}

	// Try LOGNAME (POSIX standard)
	if user := os.Getenv("LOGNAME"); user != "" {
		return user
	}

	// Last resort: whoami command
	out, err := exec.Command("whoami").Output()
	if err != nil {
		return "user"
	}
	return strings.TrimSpace(string(out))
}

// getHome returns the home directory for ${HOME} and ~ expansion.
func getHome() string {
	if home, err := os.UserHomeDir(); err == nil {
		return home
	}

	// Fallback to HOME env var
	if home := os.Getenv("HOME"); home != "" {
		return home
	}

	return "~"
}
