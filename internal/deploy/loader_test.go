package deploy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiff-dev/skiff/internal/backend"
	"github.com/skiff-dev/skiff/pkg/api"
)

const validDescriptor = `service: svc
region: eu-west
port: 8080
source: gcr.io/acme/svc:v3
allow_unauthenticated: true
env:
  LOG_LEVEL: info
`

func TestLoadValidDescriptor(t *testing.T) {
	spec, err := Load([]byte(validDescriptor))
	require.NoError(t, err)

	target, err := FromSpec(spec)
	require.NoError(t, err)
	assert.Equal(t, "svc", target.Service)
	assert.Equal(t, "eu-west", target.Region)
	assert.Equal(t, 8080, target.Port)
	assert.Equal(t, "gcr.io/acme/svc:v3", target.Source)
	assert.True(t, target.AllowUnauthenticated)
	assert.Equal(t, "info", target.Env["LOG_LEVEL"])
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load([]byte("service: svc\nprot: 8080\n"))
	var valErr *backend.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "descriptor", valErr.Field)
}

func TestFromSpecReportsFirstMissingField(t *testing.T) {
	tests := []struct {
		name  string
		spec  api.DeploySpec
		field string
	}{
		{"missing service", api.DeploySpec{Region: "eu-west", Port: 8080, Source: "img"}, "service"},
		{"missing region", api.DeploySpec{Service: "svc", Port: 8080, Source: "img"}, "region"},
		{"missing port", api.DeploySpec{Service: "svc", Region: "eu-west", Source: "img"}, "port"},
		{"port out of range", api.DeploySpec{Service: "svc", Region: "eu-west", Port: 70000, Source: "img"}, "port"},
		{"missing source", api.DeploySpec{Service: "svc", Region: "eu-west", Port: 8080}, "source"},
		{"everything missing reports service first", api.DeploySpec{}, "service"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			target, err := FromSpec(tc.spec)
			var valErr *backend.ValidationError
			require.ErrorAs(t, err, &valErr)
			assert.Equal(t, tc.field, valErr.Field)
			assert.Zero(t, target, "no partial construction on validation failure")
		})
	}
}

func TestOverridesApplyBeforeValidation(t *testing.T) {
	spec, err := Load([]byte("service: svc\nregion: eu-west\nsource: img\n"))
	require.NoError(t, err)

	allow := true
	spec = Overrides{Port: 9090, AllowUnauthenticated: &allow, Env: map[string]string{"MODE": "canary"}}.Apply(spec)
	target, err := FromSpec(spec)
	require.NoError(t, err)
	assert.Equal(t, 9090, target.Port)
	assert.True(t, target.AllowUnauthenticated)
	assert.Equal(t, "canary", target.Env["MODE"])
}
