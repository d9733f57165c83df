// Package keys reads the public key to install and, when none is supplied,
// generates a fresh pair on the operator's machine.
package keys
