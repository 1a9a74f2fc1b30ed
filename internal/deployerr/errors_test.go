package deployerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCode(t *testing.T) {
	external := &ExternalProcessError{Step: "docker build", ExitCode: 1, Err: errors.New("boom")}
	wrapped := &ProvisioningError{Address: "build_trigger.image", Op: "create", Err: external}

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"validation", &ValidationError{Problems: []string{"bad"}}, 2},
		{"lock", fmt.Errorf("plan: %w", &LockError{Key: "k", Holder: "someone"}), 3},
		{"external through provisioning", wrapped, 4},
		{"conflict", &ConflictError{Kind: "repository", Name: "x"}, 5},
		{"rollback keeps cause", &RollbackError{Cause: wrapped, Failures: []error{errors.New("x")}}, 4},
		{"other", errors.New("other"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestMessages(t *testing.T) {
	assert.Equal(t,
		"invalid configuration: a; b",
		(&ValidationError{Problems: []string{"a", "b"}}).Error())
	assert.Equal(t,
		"docker build failed (exit code 2): boom",
		(&ExternalProcessError{Step: "docker build", ExitCode: 2, Err: errors.New("boom")}).Error())
	assert.Contains(t,
		(&RollbackError{Cause: errors.New("cause"), Failures: []error{errors.New("f1")}}).Error(),
		"rollback incomplete: f1")
}
