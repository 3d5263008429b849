package backend

import (
	"context"

	"github.com/skiff-dev/skiff/internal/auth"
)

// DeploymentTarget is the validated deployment descriptor. It is built once
// per invocation by the loader and treated as immutable afterwards.
type DeploymentTarget struct {
	Service              string
	Region               string
	Port                 int
	Source               string
	AllowUnauthenticated bool
	Env                  map[string]string
	Labels               map[string]string
}

type OpPhase string

const (
	OpPending   OpPhase = "pending"
	OpSucceeded OpPhase = "succeeded"
	OpFailed    OpPhase = "failed"
)

// Operation is the observed state of a submitted deployment operation.
type Operation struct {
	Ref     string
	Phase   OpPhase
	Message string
}

// SubmitResult identifies the remote operation started by an upsert.
type SubmitResult struct {
	OperationRef string
	// Updated is true when the service already existed and the submit
	// converged it instead of creating it.
	Updated bool
}

// ServiceState describes a deployed service as the control plane sees it.
type ServiceState struct {
	Exists bool
	Ready  bool
	URL    string
}

// Backend is a deployment control plane. Submit must be an idempotent
// upsert: re-submitting an identical target converges rather than
// duplicating. Once submitted, the remote operation proceeds regardless of
// whether the caller keeps polling.
type Backend interface {
	Name() string
	Submit(ctx context.Context, target DeploymentTarget, cred auth.Credential) (SubmitResult, error)
	Poll(ctx context.Context, ref string, cred auth.Credential) (Operation, error)
	Describe(ctx context.Context, service, region string, cred auth.Credential) (ServiceState, error)
}
