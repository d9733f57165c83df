// Package prompt collects the login password once per run.
package prompt

import (
	stderrors "errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/rileyhilliard/keyfleet/internal/errors"
	"github.com/rileyhilliard/keyfleet/internal/ui"
	"golang.org/x/term"
)

// EnvPassword supplies the password without prompting.
const EnvPassword = "KEYFLEET_PASSWORD"

// DefaultAttempts is how many times the double-entry prompt is offered.
const DefaultAttempts = 3

// Entry reads one secret from the operator.
type Entry func(title string) (string, error)

// Options configures Password. Zero values pick the real terminal.
type Options struct {
	Login      string
	Attempts   int
	Getenv     func(string) string
	IsTerminal func() bool
	Entry      Entry
	Out        io.Writer
}

// Password returns the login password. KEYFLEET_PASSWORD wins when set;
// otherwise the operator must type the same non-empty password twice.
func Password(opts Options) (string, error) {
	if opts.Getenv == nil {
		opts.Getenv = os.Getenv
	}
	if opts.IsTerminal == nil {
		opts.IsTerminal = func() bool { return term.IsTerminal(int(os.Stdin.Fd())) }
	}
	if opts.Entry == nil {
		opts.Entry = huhEntry
	}
	if opts.Out == nil {
		opts.Out = os.Stderr
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}

	if pw := opts.Getenv(EnvPassword); pw != "" {
		return pw, nil
	}

	if !opts.IsTerminal() {
		return "", errors.New(errors.ErrConfig,
			"No terminal to prompt for the login password",
			fmt.Sprintf("Set %s for non-interactive runs.", EnvPassword))
	}

	warn := lipgloss.NewStyle().Foreground(ui.ColorWarning)
	for attempt := 1; attempt <= opts.Attempts; attempt++ {
		first, err := opts.Entry(fmt.Sprintf("Password for %s", opts.Login))
		if err != nil {
			return "", entryError(err)
		}
		second, err := opts.Entry("Retype password to confirm")
		if err != nil {
			return "", entryError(err)
		}

		switch {
		case first == "":
			fmt.Fprintln(opts.Out, warn.Render(ui.SymbolFail+" Password can't be empty"))
		case first != second:
			fmt.Fprintln(opts.Out, warn.Render(ui.SymbolFail+" Passwords didn't match"))
		default:
			return first, nil
		}
	}

	return "", errors.New(errors.ErrConfig,
		fmt.Sprintf("No matching password after %d attempts", opts.Attempts),
		"Run again and type the same password twice.")
}

func entryError(err error) error {
	if stderrors.Is(err, huh.ErrUserAborted) {
		return errors.WrapWithCode(err, errors.ErrConfig,
			"Password prompt cancelled",
			fmt.Sprintf("Set %s to skip the prompt.", EnvPassword))
	}
	return errors.WrapWithCode(err, errors.ErrConfig,
		"Failed to read password",
		fmt.Sprintf("Check terminal compatibility or set %s.", EnvPassword))
}

func huhEntry(title string) (string, error) {
	var value string
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title(title).
				EchoMode(huh.EchoModePassword).
				Value(&value),
		),
	)
	if err := form.Run(); err != nil {
		return "", err
	}
	return value, nil
}
