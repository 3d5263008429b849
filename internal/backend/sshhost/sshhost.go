package sshhost

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skiff-dev/skiff/internal/auth"
	"github.com/skiff-dev/skiff/internal/backend"
	"github.com/skiff-dev/skiff/internal/config"
	gssh "github.com/skiff-dev/skiff/internal/ssh"
)

const envDir = "/opt/skiff/env"

// Backend deploys the container image to configured static hosts over SSH.
// Replace-then-run makes re-submission convergent: a duplicate deploy of the
// same target lands on the same container name and image.
type Backend struct {
	cfg config.Config
}

func New(cfg config.Config) *Backend { return &Backend{cfg: cfg} }

func (b *Backend) Name() string { return "sshhost" }

// hostsFor returns the hosts serving a region. Hosts without a region
// configured serve every region.
func (b *Backend) hostsFor(region string) []config.Host {
	var out []config.Host
	for _, h := range b.cfg.Backends.SSHHost.Hosts {
		if h.Region == "" || h.Region == region {
			out = append(out, h)
		}
	}
	return out
}

func (b *Backend) connect(ctx context.Context, h config.Host) (*gssh.Client, error) {
	signer, err := gssh.LoadPrivateKeySigner(filepath.Join(b.cfg.SSH.KeyDir, "id_ed25519"))
	if err != nil {
		return nil, fmt.Errorf("load ssh key: %w", err)
	}
	kh, err := gssh.LoadKnownHostsCallback(b.cfg.SSH.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	port := h.Port
	if port == 0 {
		port = 22
	}
	return &gssh.Client{
		Addr:       fmt.Sprintf("%s:%d", h.Addr, port),
		User:       h.User,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    15 * time.Second,
		Retries:    b.cfg.Defaults.Retries,
		Backoff:    500 * time.Millisecond,
	}, nil
}

func (b *Backend) Submit(ctx context.Context, target backend.DeploymentTarget, cred auth.Credential) (backend.SubmitResult, error) {
	_ = cred // host access is via SSH key, not the federated credential
	hosts := b.hostsFor(target.Region)
	if len(hosts) == 0 {
		return backend.SubmitResult{}, &backend.RemoteError{Backend: b.Name(),
			Body: fmt.Sprintf("no hosts configured for region %s", target.Region)}
	}
	updated := false
	for _, h := range hosts {
		wasRunning, err := b.deployToHost(ctx, h, target)
		if err != nil {
			return backend.SubmitResult{}, err
		}
		updated = updated || wasRunning
	}
	return backend.SubmitResult{OperationRef: target.Service + "@" + target.Region, Updated: updated}, nil
}

// deployToHost replaces the service container on one host. Returns whether a
// prior container existed.
func (b *Backend) deployToHost(ctx context.Context, h config.Host, target backend.DeploymentTarget) (bool, error) {
	client, err := b.connect(ctx, h)
	if err != nil {
		return false, err
	}

	out, err := client.RunCommand(ctx, fmt.Sprintf("docker inspect -f '{{.State.Status}}' %s 2>/dev/null || true", target.Service))
	if err != nil {
		return false, remoteFailure(h.Name, out, err)
	}
	existed := strings.TrimSpace(out) != ""

	envFlag := ""
	if len(target.Env) > 0 {
		envPath := fmt.Sprintf("%s/%s.env", envDir, target.Service)
		if err := b.pushEnvFile(ctx, client, target, envPath); err != nil {
			return false, &backend.RemoteError{Backend: b.Name(), Body: fmt.Sprintf("%s: push env: %v", h.Name, err)}
		}
		envFlag = " --env-file " + envPath
	}

	script := fmt.Sprintf(
		"docker pull %[1]s && docker rm -f %[2]s >/dev/null 2>&1; docker run -d --name %[2]s --restart unless-stopped -p %[3]d:%[3]d%[4]s %[1]s",
		target.Source, target.Service, target.Port, envFlag)
	if out, err := client.RunCommand(ctx, script); err != nil {
		return existed, remoteFailure(h.Name, out, err)
	}
	log.Info().Str("host", h.Name).Str("service", target.Service).Str("image", target.Source).
		Bool("replaced", existed).Msg("container deployed")
	return existed, nil
}

// remoteFailure builds a RemoteError carrying both the error and whatever
// output the remote command produced, so dial failures (no output) and failed
// commands (output is the diagnostic) both reach the operator verbatim.
func remoteFailure(host, out string, err error) *backend.RemoteError {
	body := fmt.Sprintf("%s: %v", host, err)
	if msg := strings.TrimSpace(out); msg != "" {
		body += ": " + msg
	}
	return &backend.RemoteError{Backend: "sshhost", Body: body}
}

func (b *Backend) pushEnvFile(ctx context.Context, client *gssh.Client, target backend.DeploymentTarget, remotePath string) error {
	keys := make([]string, 0, len(target.Env))
	for k := range target.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var buf strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s=%s\n", k, target.Env[k])
	}
	cli, err := gssh.Dial(ctx, client)
	if err != nil {
		return err
	}
	defer cli.Close()
	return gssh.PushBytes(cli, []byte(buf.String()), remotePath)
}

// Poll reports the aggregate container state across the target's hosts.
func (b *Backend) Poll(ctx context.Context, ref string, cred auth.Credential) (backend.Operation, error) {
	_ = cred
	service, region, ok := strings.Cut(ref, "@")
	if !ok {
		return backend.Operation{}, fmt.Errorf("sshhost: malformed operation ref %q", ref)
	}
	hosts := b.hostsFor(region)
	if len(hosts) == 0 {
		return backend.Operation{}, &backend.RemoteError{Backend: b.Name(),
			Body: fmt.Sprintf("no hosts configured for region %s", region)}
	}
	op := backend.Operation{Ref: ref, Phase: backend.OpSucceeded}
	for _, h := range hosts {
		client, err := b.connect(ctx, h)
		if err != nil {
			return backend.Operation{}, err
		}
		out, err := client.RunCommand(ctx, fmt.Sprintf("docker inspect -f '{{.State.Status}}' %s 2>/dev/null || echo missing", service))
		if err != nil {
			return backend.Operation{}, remoteFailure(h.Name, out, err)
		}
		switch strings.TrimSpace(out) {
		case "running":
		case "created", "restarting":
			op.Phase = backend.OpPending
		default:
			return backend.Operation{Ref: ref, Phase: backend.OpFailed,
				Message: fmt.Sprintf("container %s on %s is %s", service, h.Name, strings.TrimSpace(out))}, nil
		}
	}
	return op, nil
}

func (b *Backend) Describe(ctx context.Context, service, region string, cred auth.Credential) (backend.ServiceState, error) {
	op, err := b.Poll(ctx, service+"@"+region, cred)
	if err != nil {
		return backend.ServiceState{}, err
	}
	if op.Phase == backend.OpFailed {
		return backend.ServiceState{Exists: false}, nil
	}
	return backend.ServiceState{Exists: true, Ready: op.Phase == backend.OpSucceeded}, nil
}
