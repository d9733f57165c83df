// Package plan builds the fixed provisioning sequence applied to each host.
//
// A Plan is data, not behavior: an ordered list of named shell commands with
// the flags the session driver needs to walk it. The same Plan value is
// shared by every concurrent session, so it is built once up front from
// validated inputs and never modified afterwards.
//
// # Sequence
//
//	1. validate-user          probe: does the account exist?
//	2. create-user            only if the probe said no; adds sudo access
//	3. ensure-ssh-dir         ~/.ssh with mode 700
//	4. ensure-authkeys-file   ~/.ssh/authorized_keys with mode 600
//	5. install-pubkey         append the key unless it's already there
//	6. disable-root-login     PermitRootLogin no, main file and sshd_config.d
//	7. disable-password-auth  PasswordAuthentication no, likewise
//	8. restart-sshd           confirm both with sshd -T, then restart
//
// Every step after the probe is fatal: a failure stops the sequence for that
// host. Steps that already ran are not undone.
//
// Each command is safe to re-run against a host that was already
// provisioned, so a second run over the same fleet converges instead of
// failing.
package plan
