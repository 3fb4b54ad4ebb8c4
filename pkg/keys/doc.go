// Package keys generates the ephemeral WireGuard identities used by one relay
// deployment. Keys live only in memory, are redacted when formatted and are
// zeroed by their owner once the deployment is destroyed.
package keys
