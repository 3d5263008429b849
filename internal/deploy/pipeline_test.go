package deploy

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiff-dev/skiff/internal/auth"
	"github.com/skiff-dev/skiff/internal/backend"
	"github.com/skiff-dev/skiff/pkg/api"
)

type stubBroker struct {
	cred  auth.Credential
	err   error
	calls int
}

func (s *stubBroker) Acquire(ctx context.Context, identityProviderRef, serviceAccountRef string) (auth.Credential, error) {
	s.calls++
	if s.err != nil {
		return auth.Credential{}, s.err
	}
	return s.cred, nil
}

func newPipeline(fb *fakeBackend, broker TokenBroker) *Pipeline {
	reg := backend.NewRegistry()
	reg.Register(fb)
	return &Pipeline{
		Broker:           broker,
		Backends:         reg,
		DefaultBackend:   "fake",
		IdentityProvider: "projects/1/providers/ci",
		ServiceAccount:   "deployer@acme.iam",
		PollInterval:     time.Millisecond,
		Timeout:          250 * time.Millisecond,
	}
}

func TestPipelineEndToEnd(t *testing.T) {
	fb := newFakeBackend()
	broker := &stubBroker{cred: validCred()}
	p := newPipeline(fb, broker)

	raw := []byte("service: svc\nregion: eu-west\nport: 8080\nsource: \".\"\nallow_unauthenticated: true\n")
	res := p.Run(context.Background(), raw, Overrides{})

	require.Equal(t, api.DeploySucceeded, res.Status)
	code, msg := Report(res)
	assert.Equal(t, ExitOK, code)
	assert.Equal(t, "deployment succeeded", msg)
	assert.Equal(t, 1, broker.calls)
	assert.Equal(t, 1, fb.creates)
}

func TestPipelineShortCircuitsOnValidationFailure(t *testing.T) {
	fb := newFakeBackend()
	p := newPipeline(fb, &stubBroker{cred: validCred()})

	res := p.Run(context.Background(), []byte("region: eu-west\nport: 8080\nsource: img\n"), Overrides{})

	assert.Equal(t, api.DeployFailed, res.Status)
	assert.Equal(t, StageLoad, res.Stage)
	var valErr *backend.ValidationError
	require.ErrorAs(t, res.Err, &valErr)
	assert.Equal(t, "service", valErr.Field)
	assert.Zero(t, fb.creates, "deploy must never be invoked when load fails")
	assert.Zero(t, fb.updates)

	code, _ := Report(res)
	assert.Equal(t, ExitValidation, code)
}

func TestPipelineShortCircuitsOnAuthFailure(t *testing.T) {
	fb := newFakeBackend()
	p := newPipeline(fb, &stubBroker{err: &auth.AuthError{Step: "exchange", Err: errors.New("invalid_grant")}})

	res := p.Run(context.Background(), []byte(validDescriptor), Overrides{})

	assert.Equal(t, api.DeployFailed, res.Status)
	assert.Equal(t, StageAuth, res.Stage)
	assert.Zero(t, fb.creates)

	code, msg := Report(res)
	assert.Equal(t, ExitAuth, code)
	assert.Contains(t, msg, "auth stage failed")
	assert.Contains(t, msg, "invalid_grant")
}

func TestPipelineSelectsBackendFromDescriptor(t *testing.T) {
	def := newFakeBackend()
	alt := newFakeBackend()
	reg := backend.NewRegistry()
	reg.Register(def)
	reg.Register(&namedBackend{fakeBackend: alt, name: "edge"})
	p := &Pipeline{
		Broker:         &stubBroker{cred: validCred()},
		Backends:       reg,
		DefaultBackend: "fake",
		PollInterval:   time.Millisecond,
		Timeout:        250 * time.Millisecond,
	}

	raw := []byte("service: svc\nregion: eu-west\nport: 8080\nsource: img\nbackend: edge\n")
	res := p.Run(context.Background(), raw, Overrides{})
	require.Equal(t, api.DeploySucceeded, res.Status)
	assert.Equal(t, 1, alt.creates)
	assert.Zero(t, def.creates)
}

func TestPipelineRejectsUnknownBackend(t *testing.T) {
	p := newPipeline(newFakeBackend(), &stubBroker{cred: validCred()})
	raw := []byte("service: svc\nregion: eu-west\nport: 8080\nsource: img\nbackend: nope\n")
	res := p.Run(context.Background(), raw, Overrides{})
	assert.Equal(t, api.DeployFailed, res.Status)
	assert.Contains(t, res.Message, "backend not registered")
}

type namedBackend struct {
	*fakeBackend
	name string
}

func (n *namedBackend) Name() string { return n.name }
