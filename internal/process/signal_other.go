//go:build !unix

package process

import "os"

// terminate has no graceful variant off unix; closing stdin is the only
// polite request, so the grace period still applies before Kill.
func terminate(*os.Process) error {
	return nil
}
