// Package deployerr holds the error kinds the deployer surfaces to operators.
package deployerr

import (
	"errors"
	"fmt"
	"strings"
)

type (
	// ValidationError is raised before any resource is touched.
	ValidationError struct {
		Problems []string
	}

	// ProvisioningError means the platform rejected a resource operation.
	ProvisioningError struct {
		Address string
		Op      string
		Err     error
	}

	// ExternalProcessError means a step of the build pipeline failed.
	ExternalProcessError struct {
		Step     string
		ExitCode int
		Output   string
		Err      error
	}

	// ConflictError means a resource already exists outside the deployer's state.
	ConflictError struct {
		Kind string
		Name string
	}

	// LockError means another operation holds the state lock.
	LockError struct {
		Key    string
		Holder string
		Err    error
	}

	// RollbackError carries the failures hit while compensating a failed apply.
	RollbackError struct {
		Cause    error
		Failures []error
	}
)

func (e *ValidationError) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Address, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

func (e *ExternalProcessError) Error() string {
	if e.ExitCode != 0 {
		return fmt.Sprintf("%s failed (exit code %d): %v", e.Step, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
}

func (e *ExternalProcessError) Unwrap() error { return e.Err }

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists and is not tracked in state", e.Kind, e.Name)
}

func (e *LockError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("state %s is locked by %s", e.Key, e.Holder)
	}
	return fmt.Sprintf("state %s is locked: %v", e.Key, e.Err)
}

func (e *LockError) Unwrap() error { return e.Err }

func (e *RollbackError) Error() string {
	msgs := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		msgs = append(msgs, f.Error())
	}
	return fmt.Sprintf("%v (rollback incomplete: %s)", e.Cause, strings.Join(msgs, "; "))
}

func (e *RollbackError) Unwrap() error { return e.Cause }

// ExitCode maps an error to the process exit status used by the CLI.
func ExitCode(err error) int {
	var (
		validation *ValidationError
		lock       *LockError
		external   *ExternalProcessError
		conflict   *ConflictError
	)
	switch {
	case err == nil:
		return 0
	case errors.As(err, &validation):
		return 2
	case errors.As(err, &lock):
		return 3
	case errors.As(err, &external):
		return 4
	case errors.As(err, &conflict):
		return 5
	default:
		return 1
	}
}
