package deploy

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skiff-dev/skiff/internal/auth"
	"github.com/skiff-dev/skiff/internal/backend"
)

// TokenBroker yields a scoped credential for the run.
type TokenBroker interface {
	Acquire(ctx context.Context, identityProviderRef, serviceAccountRef string) (auth.Credential, error)
}

// Pipeline runs the linear sequence broker -> loader -> executor. Each
// stage's output feeds the next; any stage failure short-circuits the rest.
// The reporter consumes the Result separately.
type Pipeline struct {
	Broker         TokenBroker
	Backends       *backend.Registry
	DefaultBackend string

	IdentityProvider string
	ServiceAccount   string

	PollInterval time.Duration
	Timeout      time.Duration
	Metrics      *Metrics
}

// RunFile reads a descriptor file and runs the pipeline on it.
func (p *Pipeline) RunFile(ctx context.Context, path string, ov Overrides) Result {
	raw, err := os.ReadFile(path)
	if err != nil {
		return failure(StageLoad, &backend.ValidationError{Field: "descriptor", Value: path, Message: err.Error()})
	}
	return p.Run(ctx, raw, ov)
}

func (p *Pipeline) Run(ctx context.Context, raw []byte, ov Overrides) Result {
	cred, err := p.Broker.Acquire(ctx, p.IdentityProvider, p.ServiceAccount)
	if err != nil {
		return failure(StageAuth, err)
	}
	log.Debug().Msg("credential acquired")

	spec, err := Load(raw)
	if err != nil {
		return failure(StageLoad, err)
	}
	spec = ov.Apply(spec)
	target, err := FromSpec(spec)
	if err != nil {
		return failure(StageLoad, err)
	}

	name := spec.Backend
	if name == "" {
		name = p.DefaultBackend
	}
	b, err := p.Backends.Get(name)
	if err != nil {
		return failure(StageLoad, err)
	}

	exec := &Executor{Backend: b, PollInterval: p.PollInterval, Timeout: p.Timeout, Metrics: p.Metrics}
	return exec.Deploy(ctx, target, cred)
}
