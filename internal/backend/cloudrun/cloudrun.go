package cloudrun

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/skiff-dev/skiff/internal/auth"
	"github.com/skiff-dev/skiff/internal/backend"
	"github.com/skiff-dev/skiff/internal/config"
)

// Backend deploys container images to a managed serverless control plane
// over its REST API. Submit is an upsert: create when the service is absent,
// update when it exists.
type Backend struct {
	cfg  config.Config
	http *backend.RetryableHTTPClient
}

func New(cfg config.Config) *Backend {
	return &Backend{cfg: cfg, http: backend.NewRetryableHTTPClient(30*time.Second, 5)}
}

func (b *Backend) Name() string { return "cloudrun" }

type serviceResource struct {
	Name                 string            `json:"name"`
	Image                string            `json:"image"`
	Port                 int               `json:"port"`
	AllowUnauthenticated bool              `json:"allow_unauthenticated"`
	Env                  map[string]string `json:"env,omitempty"`
	Labels               map[string]string `json:"labels,omitempty"`
	URL                  string            `json:"url,omitempty"`
	Ready                bool              `json:"ready,omitempty"`
}

type operationError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type operation struct {
	Name  string          `json:"name"`
	Done  bool            `json:"done"`
	Error *operationError `json:"error,omitempty"`
}

func (b *Backend) servicesURL(region string) (string, error) {
	project := b.cfg.Backends.CloudRun.Project
	if project == "" {
		return "", fmt.Errorf("cloudrun: project not configured; set backends.cloudrun.project or --project")
	}
	endpoint := strings.TrimRight(b.cfg.Backends.CloudRun.Endpoint, "/")
	return fmt.Sprintf("%s/v1/projects/%s/locations/%s/services", endpoint, project, region), nil
}

func (b *Backend) Submit(ctx context.Context, target backend.DeploymentTarget, cred auth.Credential) (backend.SubmitResult, error) {
	base, err := b.servicesURL(target.Region)
	if err != nil {
		return backend.SubmitResult{}, err
	}

	exists := true
	var cur serviceResource
	if err := b.doJSON(ctx, cred, http.MethodGet, base+"/"+target.Service, nil, &cur); err != nil {
		var remote *backend.RemoteError
		if isNotFound(err, &remote) {
			exists = false
		} else {
			return backend.SubmitResult{}, err
		}
	}

	payload := serviceResource{
		Name:                 target.Service,
		Image:                target.Source,
		Port:                 target.Port,
		AllowUnauthenticated: target.AllowUnauthenticated,
		Env:                  target.Env,
		Labels:               target.Labels,
	}

	method, url := http.MethodPost, base
	if exists {
		method, url = http.MethodPatch, base+"/"+target.Service
	}
	var op operation
	if err := b.doJSON(ctx, cred, method, url, payload, &op); err != nil {
		return backend.SubmitResult{}, err
	}
	if op.Name == "" {
		return backend.SubmitResult{}, &backend.RemoteError{Backend: b.Name(), Body: "control plane returned no operation name"}
	}
	log.Info().Str("service", target.Service).Str("region", target.Region).Bool("updated", exists).
		Str("operation", op.Name).Msg("deployment submitted")
	return backend.SubmitResult{OperationRef: op.Name, Updated: exists}, nil
}

func (b *Backend) Poll(ctx context.Context, ref string, cred auth.Credential) (backend.Operation, error) {
	endpoint := strings.TrimRight(b.cfg.Backends.CloudRun.Endpoint, "/")
	var op operation
	if err := b.doJSON(ctx, cred, http.MethodGet, endpoint+"/v1/"+ref, nil, &op); err != nil {
		return backend.Operation{}, err
	}
	out := backend.Operation{Ref: ref, Phase: backend.OpPending}
	if op.Done {
		if op.Error != nil {
			out.Phase = backend.OpFailed
			out.Message = op.Error.Message
		} else {
			out.Phase = backend.OpSucceeded
		}
	}
	return out, nil
}

func (b *Backend) Describe(ctx context.Context, service, region string, cred auth.Credential) (backend.ServiceState, error) {
	base, err := b.servicesURL(region)
	if err != nil {
		return backend.ServiceState{}, err
	}
	var cur serviceResource
	if err := b.doJSON(ctx, cred, http.MethodGet, base+"/"+service, nil, &cur); err != nil {
		var remote *backend.RemoteError
		if isNotFound(err, &remote) {
			return backend.ServiceState{Exists: false}, nil
		}
		return backend.ServiceState{}, err
	}
	return backend.ServiceState{Exists: true, Ready: cur.Ready, URL: cur.URL}, nil
}

func (b *Backend) doJSON(ctx context.Context, cred auth.Credential, method, url string, body interface{}, out interface{}) error {
	var req *http.Request
	var err error
	if body != nil {
		buf, e := json.Marshal(body)
		if e != nil {
			return e
		}
		req, err = http.NewRequestWithContext(ctx, method, url, strings.NewReader(string(buf)))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, url, nil)
	}
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	if method == http.MethodPost || method == http.MethodPatch {
		req.Header.Set("X-Idempotency-Key", uuid.NewString())
	}
	resp, err := b.http.Do(req)
	if err != nil {
		return &backend.RemoteError{Backend: b.Name(), Body: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		errorBody, _ := io.ReadAll(resp.Body)
		return &backend.RemoteError{Backend: b.Name(), StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(errorBody))}
	}
	if out != nil {
		dec := json.NewDecoder(resp.Body)
		return dec.Decode(out)
	}
	return nil
}

func isNotFound(err error, target **backend.RemoteError) bool {
	return errors.As(err, target) && (*target).StatusCode == http.StatusNotFound
}
