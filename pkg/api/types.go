package api

// v0 contains public types for deployment descriptors and run statuses.

// DeploySpec is the raw deployment descriptor as operators write it. It is
// validated once at the boundary into an internal target record; nothing
// downstream reads the raw form.
type DeploySpec struct {
	Service              string            `json:"service" yaml:"service"`
	Region               string            `json:"region" yaml:"region"`
	Port                 int               `json:"port" yaml:"port"`
	Source               string            `json:"source" yaml:"source"`
	AllowUnauthenticated bool              `json:"allow_unauthenticated" yaml:"allow_unauthenticated"`
	Env                  map[string]string `json:"env" yaml:"env"`
	Labels               map[string]string `json:"labels" yaml:"labels"`
	Backend              string            `json:"backend" yaml:"backend"`
}

type DeployStatus string

const (
	DeployPending   DeployStatus = "pending"
	DeployRunning   DeployStatus = "running"
	DeploySucceeded DeployStatus = "succeeded"
	DeployFailed    DeployStatus = "failed"
	DeployTimedOut  DeployStatus = "timed_out"
)
