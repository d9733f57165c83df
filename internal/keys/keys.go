package keys

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/clog"
	"github.com/rileyhilliard/keyfleet/internal/errors"
	"github.com/rileyhilliard/keyfleet/internal/logger"
	"golang.org/x/crypto/ssh"
)

// DefaultNewKeyPath is where a fresh key pair is written when neither
// --ssh_pubkey nor --ssh_new_key is given.
const DefaultNewKeyPath = "./id_rsa"

// Generator creates a key pair at path (private) and path+".pub" (public).
type Generator interface {
	Generate(ctx context.Context, path string) error
}

// PublicPath returns the public half's path for a private key path.
func PublicPath(path string) string {
	return path + ".pub"
}

// PrivatePath strips a trailing ".pub" so a public key path can name the pair.
func PrivatePath(path string) string {
	return strings.TrimSuffix(path, ".pub")
}

// CheckNotExists refuses to touch existing key material at path or path.pub.
func CheckNotExists(path string) error {
	for _, p := range []string{path, PublicPath(path)} {
		if _, err := os.Stat(p); err == nil {
			return errors.New(errors.ErrKeyExists,
				fmt.Sprintf("%s already exists", p),
				"Existing key files are never overwritten. Use --ssh_pubkey to supply that key, or --ssh_new_key with a new path.")
		}
	}
	return nil
}

// ReadPublicKey reads an authorized_keys style public key. A path without a
// ".pub" suffix is taken to name the private half and gets one appended.
// The first non-blank, non-comment line must parse as a public key.
func ReadPublicKey(path string) (string, error) {
	if !strings.HasSuffix(path, ".pub") {
		path = PublicPath(path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("Can't read public key %s", path),
			"Check that the file exists and is readable.")
	}

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if _, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line)); err != nil {
			return "", errors.WrapWithCode(err, errors.ErrPublicKey,
				fmt.Sprintf("%s doesn't contain a valid public key", path),
				"Expected one line like 'ssh-ed25519 AAAA... comment'.")
		}
		return line, nil
	}

	return "", errors.New(errors.ErrPublicKey,
		fmt.Sprintf("%s is empty", path),
		"Expected one line like 'ssh-ed25519 AAAA... comment'.")
}

// Prepare resolves the public key for a run: read it from pubKeyPath when set,
// otherwise generate a new pair at newKeyPath with gen and read that.
func Prepare(ctx context.Context, pubKeyPath, newKeyPath string, gen Generator, log *clog.Logger) (string, error) {
	log = logger.OrNoop(log)

	if pubKeyPath != "" {
		return ReadPublicKey(pubKeyPath)
	}

	if newKeyPath == "" {
		newKeyPath = DefaultNewKeyPath
	}
	path := PrivatePath(newKeyPath)
	if err := CheckNotExists(path); err != nil {
		return "", err
	}
	if err := gen.Generate(ctx, path); err != nil {
		return "", err
	}
	log.Info("generated key pair", "private", path, "public", PublicPath(path))

	return ReadPublicKey(PublicPath(path))
}

// SSHKeygen shells out to ssh-keygen for a 4096-bit RSA pair, then makes the
// private key owner read-only.
type SSHKeygen struct {
	// Binary defaults to "ssh-keygen" on PATH.
	Binary string
	Bits   int
}

func (g SSHKeygen) Generate(ctx context.Context, path string) error {
	binary := g.Binary
	if binary == "" {
		binary = "ssh-keygen"
	}
	bits := g.Bits
	if bits == 0 {
		bits = 4096
	}

	if _, err := exec.LookPath(binary); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"ssh-keygen isn't installed",
			"Install OpenSSH client tools, pass --native_keygen, or supply a key with --ssh_pubkey.")
	}

	if err := ensureDir(path); err != nil {
		return err
	}
	if err := CheckNotExists(path); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, binary,
		"-t", "rsa",
		"-b", fmt.Sprint(bits),
		"-N", "",
		"-C", "keyfleet",
		"-f", path,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("Failed to generate SSH key: %s", strings.TrimSpace(string(output))),
			"Ensure ssh-keygen is installed and the target directory is writable.")
	}

	return lockDown(path)
}

// Native generates an ed25519 pair in-process, with no external binaries.
type Native struct {
	Comment string
}

func (g Native) Generate(_ context.Context, path string) error {
	if err := ensureDir(path); err != nil {
		return err
	}
	if err := CheckNotExists(path); err != nil {
		return err
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate ed25519 key: %w", err)
	}

	comment := g.Comment
	if comment == "" {
		comment = "keyfleet"
	}
	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return fmt.Errorf("failed to convert public key: %w", err)
	}
	authorized := bytes.TrimSpace(ssh.MarshalAuthorizedKey(sshPub))
	authorized = append(authorized, []byte(" "+comment+"\n")...)

	if err := writeExclusive(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return err
	}
	if err := writeExclusive(PublicPath(path), authorized, 0o644); err != nil {
		return err
	}
	return lockDown(path)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("Failed to create key directory: %s", dir),
			"Check permissions on the parent directory.")
	}
	return nil
}

// writeExclusive fails rather than replace an existing file.
func writeExclusive(path string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		if os.IsExist(err) {
			return CheckNotExists(PrivatePath(path))
		}
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return f.Close()
}

func lockDown(path string) error {
	if err := os.Chmod(path, 0o400); err != nil {
		return fmt.Errorf("failed to chmod %s: %w", path, err)
	}
	return nil
}
