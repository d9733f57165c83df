// Package config loads keyfleet's run settings with viper. Values come from
// command-line flags, KEYFLEET_* environment variables, an optional YAML file
// (--config, or .keyfleet.yaml in the working directory) and defaults.
//
// Example .keyfleet.yaml:
//
//	rhost_file: ./fleet.txt
//	nonroot_user: deploy
//	ssh_pubkey: ~/.ssh/id_ed25519.pub
//	workers: 10
//	host_key_policy: accept-new
//	format: text
package config
