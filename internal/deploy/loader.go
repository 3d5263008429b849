package deploy

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/skiff-dev/skiff/internal/backend"
	"github.com/skiff-dev/skiff/pkg/api"
)

// Load parses a raw deployment descriptor. Unknown fields are rejected so a
// typo'd key fails loudly instead of silently deploying defaults.
func Load(raw []byte) (api.DeploySpec, error) {
	var spec api.DeploySpec
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		return api.DeploySpec{}, &backend.ValidationError{Field: "descriptor", Message: err.Error()}
	}
	return spec, nil
}

func LoadFile(path string) (api.DeploySpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return api.DeploySpec{}, &backend.ValidationError{Field: "descriptor", Value: path, Message: err.Error()}
	}
	return Load(raw)
}

// Overrides are descriptor fields supplied on the command line. They are
// applied to the raw spec before validation.
type Overrides struct {
	Service              string
	Region               string
	Port                 int
	Source               string
	Backend              string
	AllowUnauthenticated *bool
	Env                  map[string]string
}

func (o Overrides) Apply(spec api.DeploySpec) api.DeploySpec {
	if o.Service != "" {
		spec.Service = o.Service
	}
	if o.Region != "" {
		spec.Region = o.Region
	}
	if o.Port != 0 {
		spec.Port = o.Port
	}
	if o.Source != "" {
		spec.Source = o.Source
	}
	if o.Backend != "" {
		spec.Backend = o.Backend
	}
	if o.AllowUnauthenticated != nil {
		spec.AllowUnauthenticated = *o.AllowUnauthenticated
	}
	if len(o.Env) > 0 {
		if spec.Env == nil {
			spec.Env = map[string]string{}
		}
		for k, v := range o.Env {
			spec.Env[k] = v
		}
	}
	return spec
}

// FromSpec validates the raw spec into an immutable DeploymentTarget. The
// returned ValidationError names the first missing or malformed field; on
// error no partial target is constructed.
func FromSpec(spec api.DeploySpec) (backend.DeploymentTarget, error) {
	if spec.Service == "" {
		return backend.DeploymentTarget{}, &backend.ValidationError{Field: "service", Message: "service name is required"}
	}
	if spec.Region == "" {
		return backend.DeploymentTarget{}, &backend.ValidationError{Field: "region", Message: "region is required"}
	}
	if spec.Port == 0 {
		return backend.DeploymentTarget{}, &backend.ValidationError{Field: "port", Message: "port is required"}
	}
	if spec.Port < 1 || spec.Port > 65535 {
		return backend.DeploymentTarget{}, &backend.ValidationError{
			Field: "port", Value: fmt.Sprintf("%d", spec.Port), Message: "port must be between 1 and 65535"}
	}
	if spec.Source == "" {
		return backend.DeploymentTarget{}, &backend.ValidationError{Field: "source", Message: "source image or path is required"}
	}
	return backend.DeploymentTarget{
		Service:              spec.Service,
		Region:               spec.Region,
		Port:                 spec.Port,
		Source:               spec.Source,
		AllowUnauthenticated: spec.AllowUnauthenticated,
		Env:                  spec.Env,
		Labels:               spec.Labels,
	}, nil
}
