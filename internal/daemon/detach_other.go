//go:build !unix

package daemon

import "errors"

// DetachedEnv is set in the environment of a detached child.
const DetachedEnv = "ABACUS_DETACHED"

// Detach is not supported outside Unix systems.
func Detach(args []string, logPath string) (int, error) {
	return 0, errors.New("detach is not supported on this platform")
}
