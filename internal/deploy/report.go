package deploy

import (
	"errors"
	"fmt"

	"github.com/skiff-dev/skiff/internal/auth"
	"github.com/skiff-dev/skiff/internal/backend"
	"github.com/skiff-dev/skiff/pkg/api"
)

// Exit codes are distinct per error kind so automated callers can branch on
// them; timeout in particular is separate because it means "unknown
// outcome", not "known failure".
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitValidation = 2
	ExitAuth       = 3
	ExitRemote     = 4
	ExitTimeout    = 5
)

// Report translates a run result into a process exit code and a
// human-readable message naming the failing stage, with the underlying
// remote error text carried verbatim.
func Report(res Result) (int, string) {
	switch res.Status {
	case api.DeploySucceeded:
		return ExitOK, "deployment succeeded"
	case api.DeployTimedOut:
		return ExitTimeout, fmt.Sprintf("%s stage timed out: %s", res.Stage, res.Message)
	}
	return exitCodeFor(res.Err), fmt.Sprintf("%s stage failed: %s", res.Stage, res.Message)
}

func exitCodeFor(err error) int {
	var valErr *backend.ValidationError
	var authErr *auth.AuthError
	var remoteErr *backend.RemoteError
	switch {
	case errors.As(err, &valErr):
		return ExitValidation
	case errors.As(err, &authErr):
		return ExitAuth
	case errors.As(err, &remoteErr):
		return ExitRemote
	default:
		return ExitFailure
	}
}
