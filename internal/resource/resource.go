// Package resource implements the AWS resources that make up a deployment
// and the graph that orders them.
package resource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go/aws/awserr"

	"github.com/paguebem/infra/internal/state"
)

// Unknown stands in for an attribute that will only exist after apply.
const Unknown = "(known after apply)"

const (
	RegistryAddress     = "registry.images"
	BuildTriggerAddress = "build_trigger.image"
	RoleAddress         = "execution_role.lambda"
	LogGroupAddress     = "log_group.lambda"
	FunctionAddress     = "function.api"
)

// ErrRetained is returned by Delete when a safety policy keeps the resource.
var ErrRetained = errors.New("retained by deletion policy")

// Attributes are the provider-returned values dependents read.
type Attributes map[string]string

// Get returns the value for key, or Unknown if it is not known yet.
func (a Attributes) Get(key string) string {
	if a == nil {
		return Unknown
	}
	v, ok := a[key]
	if !ok {
		return Unknown
	}
	return v
}

// Resource is a node of the deployment graph.
type Resource interface {
	Address() string
	Type() string
	DependsOn() []string
	// Desired renders the resource's spec from its dependencies' attributes.
	// The spec is hashed to decide whether anything changed.
	Desired(deps map[string]Attributes) (interface{}, error)
	Create(ctx context.Context, spec json.RawMessage) (Attributes, error)
	Update(ctx context.Context, current *state.ResourceState, spec json.RawMessage) (Attributes, error)
	Delete(ctx context.Context, current *state.ResourceState) error
	Exists(ctx context.Context, current *state.ResourceState) (bool, error)
}

// Replacer is implemented by resources that cannot change some fields in place.
type Replacer interface {
	RequiresReplace(prior, desired json.RawMessage) bool
}

// Compensator undoes a successful Create (prior == nil) or Update when a later
// resource in the same apply fails.
type Compensator interface {
	Rollback(ctx context.Context, prior, current *state.ResourceState) error
}

// Redactor masks sensitive values in a spec before it is displayed.
type Redactor interface {
	Redact(spec json.RawMessage) json.RawMessage
}

// Retainer is implemented by resources a deletion policy may keep.
type Retainer interface {
	Retains() bool
}

// Rebuildable is implemented by resources a forced build re-runs even when
// their inputs are unchanged.
type Rebuildable interface {
	Rebuildable() bool
}

// Volatile lists the attributes an in-place update may change.
type Volatile interface {
	VolatileAttributes() []string
}

type base struct {
	address   string
	typ       string
	dependsOn []string
}

func (b base) Address() string     { return b.address }
func (b base) Type() string        { return b.typ }
func (b base) DependsOn() []string { return b.dependsOn }

func decodeSpec(raw json.RawMessage, spec interface{}) error {
	if err := json.Unmarshal(raw, spec); err != nil {
		return fmt.Errorf("unable to decode spec: %w", err)
	}
	return nil
}

func awsErrorCode(err error) string {
	var aerr awserr.Error
	if errors.As(err, &aerr) {
		return aerr.Code()
	}
	return ""
}

func stringSet(values []string) map[string]bool {
	out := make(map[string]bool, len(values))
	for _, v := range values {
		out[v] = true
	}
	return out
}
