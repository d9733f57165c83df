// Package cli implements the keyfleet command-line interface.
//
// There is a single root command that runs one provisioning pass, plus a
// version subcommand:
//
//	keyfleet --rhost_file=hosts.txt --nonroot_user=deploy --ssh_pubkey=~/.ssh/id_ed25519.pub
//	keyfleet version
//
// The root command delegates to provision, which walks the run in phases:
//
//  1. Merge flags, KEYFLEET_* variables and .keyfleet.yaml, then validate
//  2. Build the target set and resolve (or generate) the public key
//  3. Build the command plan once; --dry_run prints it and stops here
//  4. Read the login password and build the SSH dialer
//  5. Hand every target to the fleet orchestrator
//  6. Write the report to stdout
//
// # Exit Codes
//
// 0 when every target succeeded, 1 when at least one target failed, and 2
// when the run never started (bad flags, unreadable key, cancelled prompt).
//
// # Output
//
// stdout carries only the report, so it can be piped. Logs, live progress
// and the closing summary go to stderr. On a terminal, progress lines
// replace info-level log output unless --verbose is set.
package cli
