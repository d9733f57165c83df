package sshutil

import (
	"bytes"
	"os"
	"strconv"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/kevinburke/ssh_config"
)

// sshConfigFile is the subset of ~/.ssh/config keyfleet honours: a per-host
// Port. Targets are bare IPs, so aliases and HostName rewriting don't apply.
type sshConfigFile struct {
	cfg *ssh_config.Config
}

// loadSSHConfig parses configPath. A missing or unparsable file yields an
// empty config; the caller falls back to the default port.
func loadSSHConfig(configPath string, log *clog.Logger) *sshConfigFile {
	content, matchLine, err := preprocessSSHConfig(configPath)
	if err != nil {
		return &sshConfigFile{}
	}
	if matchLine > 0 {
		log.Debug("ssh config has a Match block; entries after it are ignored",
			"path", configPath, "line", matchLine)
	}

	cfg, err := ssh_config.Decode(bytes.NewReader(content))
	if err != nil {
		log.Warn("can't parse ssh config, using default port", "path", configPath, "error", err)
		return &sshConfigFile{}
	}
	return &sshConfigFile{cfg: cfg}
}

// port returns the configured Port for host, or 0 if none applies.
func (f *sshConfigFile) port(host string) int {
	if f == nil || f.cfg == nil {
		return 0
	}
	value, err := f.cfg.Get(host, "Port")
	if err != nil || value == "" {
		return 0
	}
	p, err := strconv.Atoi(value)
	if err != nil || p <= 0 || p > 65535 {
		return 0
	}
	return p
}

// preprocessSSHConfig reads the SSH config and returns content up to the first Match directive.
// The kevinburke/ssh_config library doesn't support Match, so anything after it is dropped.
// Also returns the line number where Match was found (0 if not found).
func preprocessSSHConfig(configPath string) ([]byte, int, error) {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return nil, 0, err
	}

	lines := strings.Split(string(content), "\n")
	var result []string
	matchLine := 0

	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(strings.ToLower(trimmed), "match ") {
			matchLine = i + 1
			break
		}
		result = append(result, line)
	}

	return []byte(strings.Join(result, "\n")), matchLine, nil
}
