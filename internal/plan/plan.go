package plan

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"
	"strings"

	shellquote "github.com/kballard/go-shellquote"
	"github.com/rileyhilliard/keyfleet/internal/errors"
	"golang.org/x/crypto/ssh"
)

// StepName identifies a step in the provisioning sequence.
type StepName string

// The provisioning sequence, in execution order.
const (
	ValidateUser        StepName = "validate-user"
	CreateUser          StepName = "create-user"
	EnsureSSHDir        StepName = "ensure-ssh-dir"
	EnsureAuthKeysFile  StepName = "ensure-authkeys-file"
	InstallPubKey       StepName = "install-pubkey"
	DisableRootLogin    StepName = "disable-root-login"
	DisablePasswordAuth StepName = "disable-password-auth"
	RestartSSHD         StepName = "restart-sshd"
)

// Guard decides whether a step runs at all.
type Guard int

const (
	// Always runs the step unconditionally.
	Always Guard = iota
	// IfUserMissing runs the step only when the probe reported the user absent.
	IfUserMissing
)

// Step is one remote shell command in the plan.
type Step struct {
	Name    StepName
	Command string
	// Probe steps never fail the run; their outcome feeds later guards.
	Probe bool
	// Fatal steps abort the remaining sequence when they fail.
	Fatal bool
	Guard Guard
}

// Daemon config the hardening steps edit. Drop-ins are read before the
// rest of the main file on Debian and Ubuntu, and sshd keeps the first
// value it sees, so both are rewritten.
const (
	SSHDConfigPath   = "/etc/ssh/sshd_config"
	SSHDDropInDir    = "/etc/ssh/sshd_config.d"
	sshdDropInSuffix = ".conf"
)

// usernamePattern follows the portable useradd/adduser NAME_REGEX.
var usernamePattern = regexp.MustCompile(`^[a-z_][a-z0-9_-]{0,31}$`)

// Plan is the immutable, ordered command sequence applied to every target.
// Build it once per run; it is safe to share across goroutines.
type Plan struct {
	user      string
	publicKey string
	steps     []Step
}

// Build validates the inputs and renders the command sequence.
func Build(user, publicKey string) (*Plan, error) {
	if err := ValidateUsername(user); err != nil {
		return nil, err
	}
	key, err := NormalizePublicKey(publicKey)
	if err != nil {
		return nil, err
	}

	home := "/home/" + user
	sshDir := home + "/.ssh"
	authKeys := sshDir + "/authorized_keys"
	owner := user + ":" + user
	sudoersFile := "/etc/sudoers.d/" + user

	q := func(args ...string) string { return shellquote.Join(args...) }

	steps := []Step{
		{
			Name:    ValidateUser,
			Command: q("id", "-u", user),
			Probe:   true,
		},
		{
			Name: CreateUser,
			Command: q("useradd", "-m", "-s", "/bin/bash", user) +
				" && " + q("usermod", "-aG", "sudo", user) +
				" && " + q("echo", user+" ALL=(ALL) NOPASSWD:ALL") + " > " + q(sudoersFile) +
				" && " + q("chmod", "0440", sudoersFile),
			Fatal: true,
			Guard: IfUserMissing,
		},
		{
			Name: EnsureSSHDir,
			Command: "if [ ! -d " + q(sshDir) + " ]; then " + q("mkdir", "-p", sshDir) + "; fi" +
				" && " + q("chown", owner, sshDir) +
				" && " + q("chmod", "700", sshDir),
			Fatal: true,
		},
		{
			Name: EnsureAuthKeysFile,
			Command: "if [ ! -f " + q(authKeys) + " ]; then " + q("touch", authKeys) +
				" && " + q("chown", owner, authKeys) +
				" && " + q("chmod", "600", authKeys) + "; fi",
			Fatal: true,
		},
		{
			Name: InstallPubKey,
			Command: q("grep", "-qxF", key, authKeys) +
				" || " + q("printf", `%s\n`, key) + " >> " + q(authKeys),
			Fatal: true,
		},
		{
			Name:    DisableRootLogin,
			Command: sshdSetting(SSHDConfigPath, SSHDDropInDir, "PermitRootLogin", "no"),
			Fatal:   true,
		},
		{
			Name:    DisablePasswordAuth,
			Command: sshdSetting(SSHDConfigPath, SSHDDropInDir, "PasswordAuthentication", "no"),
			Fatal:   true,
		},
		{
			Name: RestartSSHD,
			Command: verifySSHD(map[string]string{
				"permitrootlogin":        "no",
				"passwordauthentication": "no",
			}) + " && " +
				"if command -v systemctl >/dev/null 2>&1; " +
				"then systemctl restart ssh || systemctl restart sshd; " +
				"else service ssh restart; fi",
			Fatal: true,
		},
	}

	return &Plan{user: user, publicKey: key, steps: steps}, nil
}

// sshdSetting rewrites any existing (possibly commented) directive to the
// wanted value in the main file and in every drop-in, and appends it to the
// main file when that has none.
func sshdSetting(mainPath, dropInDir, directive, value string) string {
	line := directive + " " + value
	sedExpr := fmt.Sprintf(`s/^#\?[[:space:]]*%s[[:space:]].*/%s/`, directive, line)
	glob := shellquote.Join(dropInDir) + "/*" + sshdDropInSuffix
	return shellquote.Join("sed", "-i", "-e", sedExpr, mainPath) +
		" && { " + shellquote.Join("grep", "-qx", line, mainPath) +
		" || " + shellquote.Join("echo", line) + " >> " + shellquote.Join(mainPath) + "; }" +
		" && if [ -d " + shellquote.Join(dropInDir) + " ]; then for f in " + glob + "; do" +
		" if [ -f \"$f\" ]; then " + shellquote.Join("sed", "-i", "-e", sedExpr) + " \"$f\" || exit 1; fi;" +
		" done; fi"
}

// verifySSHD fails unless the effective daemon config (sshd -T, keys in
// lower case) has every wanted value. Hosts without an sshd binary on the
// usual paths skip the check.
func verifySSHD(want map[string]string) string {
	keys := make([]string, 0, len(want))
	for k := range want {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var checks []string
	for _, k := range keys {
		checks = append(checks, `printf '%s\n' "$cfg" | `+shellquote.Join("grep", "-qx", k+" "+want[k]))
	}
	return `sshd=$(command -v sshd || echo /usr/sbin/sshd); ` +
		`if [ -x "$sshd" ]; then cfg=$("$sshd" -T) && ` + strings.Join(checks, " && ") +
		` || { echo 'effective sshd config still allows root or password logins' >&2; exit 1; }; fi`
}

// ValidateUsername checks name is a usable non-root account name.
func ValidateUsername(name string) error {
	if name == "root" {
		return errors.New(errors.ErrConfig,
			"--nonroot_user can't be root",
			"Pick the unprivileged account that should get key-based access.")
	}
	if !usernamePattern.MatchString(name) {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("'%s' isn't a valid account name", name),
			"Use lowercase letters, digits, '_' or '-', starting with a letter or '_' (max 32 chars).")
	}
	return nil
}

// NormalizePublicKey checks that s is exactly one OpenSSH authorized_keys
// line without options and returns it trimmed.
func NormalizePublicKey(s string) (string, error) {
	line := strings.TrimSpace(s)
	malformed := func(cause error) error {
		return errors.WrapWithCode(cause, errors.ErrPublicKey,
			"That doesn't look like an SSH public key",
			"Expected a single line like 'ssh-rsa AAAA... comment' (the contents of a .pub file).")
	}

	if line == "" {
		return "", malformed(nil)
	}
	if strings.ContainsAny(line, "\r\n") {
		return "", malformed(fmt.Errorf("got %d lines, want 1", strings.Count(line, "\n")+1))
	}

	pub, _, options, rest, err := ssh.ParseAuthorizedKey([]byte(line))
	if err != nil {
		return "", malformed(err)
	}
	if len(options) > 0 {
		return "", malformed(fmt.Errorf("key options are not supported: %s", strings.Join(options, ",")))
	}
	if len(strings.TrimSpace(string(rest))) > 0 {
		return "", malformed(fmt.Errorf("trailing data after key"))
	}
	if !strings.HasPrefix(line, pub.Type()+" ") {
		return "", malformed(fmt.Errorf("key type %s does not lead the line", pub.Type()))
	}
	return line, nil
}

// Steps returns a copy of the ordered steps.
func (p *Plan) Steps() []Step {
	out := make([]Step, len(p.steps))
	copy(out, p.steps)
	return out
}

// Len returns the number of steps.
func (p *Plan) Len() int {
	return len(p.steps)
}

// Step returns the step at index i.
func (p *Plan) Step(i int) Step {
	return p.steps[i]
}

// User returns the non-root account the plan provisions.
func (p *Plan) User() string {
	return p.user
}

// PublicKey returns the normalized key line the plan installs.
func (p *Plan) PublicKey() string {
	return p.publicKey
}

// Fingerprint is a stable digest of every command in order. Two plans with
// the same fingerprint send byte-identical commands.
func (p *Plan) Fingerprint() string {
	h := sha256.New()
	for _, s := range p.steps {
		h.Write([]byte(s.Name))
		h.Write([]byte{0})
		h.Write([]byte(s.Command))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// String renders the plan as a numbered listing, used by --dry_run.
func (p *Plan) String() string {
	var b strings.Builder
	for i, s := range p.steps {
		fmt.Fprintf(&b, "%d. %s", i+1, s.Name)
		switch {
		case s.Probe:
			b.WriteString(" (probe)")
		case s.Guard == IfUserMissing:
			b.WriteString(" (only if user is missing)")
		}
		fmt.Fprintf(&b, "\n   %s\n", s.Command)
	}
	return b.String()
}
