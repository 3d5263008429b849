package deploy

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skiff-dev/skiff/internal/auth"
	"github.com/skiff-dev/skiff/internal/backend"
	"github.com/skiff-dev/skiff/pkg/api"
)

// Pipeline stage names, used in failure messages so operators see where a
// run stopped.
const (
	StageAuth   = "auth"
	StageLoad   = "load"
	StageDeploy = "deploy"
)

// Result is the terminal outcome of a deployment run.
type Result struct {
	Status  api.DeployStatus
	Stage   string
	Message string
	Service string
	Region  string
	Backend string
	Updated bool
	Err     error
}

func failure(stage string, err error) Result {
	return Result{Status: api.DeployFailed, Stage: stage, Message: err.Error(), Err: err}
}

// Executor submits an idempotent upsert against one backend and polls until
// the remote operation reaches a terminal state or the bounded timeout
// elapses. On timeout the remote operation is left running; the result is
// TimedOut, not a cancellation.
type Executor struct {
	Backend      backend.Backend
	PollInterval time.Duration
	Timeout      time.Duration
	Metrics      *Metrics
}

func (e *Executor) pollInterval() time.Duration {
	if e.PollInterval > 0 {
		return e.PollInterval
	}
	return 5 * time.Second
}

func (e *Executor) timeout() time.Duration {
	if e.Timeout > 0 {
		return e.Timeout
	}
	return 10 * time.Minute
}

func (e *Executor) Deploy(ctx context.Context, target backend.DeploymentTarget, cred auth.Credential) (res Result) {
	start := time.Now()
	metrics := e.Metrics
	if metrics == nil {
		metrics = NewMetrics()
	}
	defer func() {
		metrics.RecordRequest(time.Since(start))
		if res.Status != api.DeploySucceeded {
			metrics.RecordError()
		}
		res.Service = target.Service
		res.Region = target.Region
		res.Backend = e.Backend.Name()
	}()

	// Executor-side guards for invariants the loader normally upholds.
	if target.Service == "" || target.Region == "" {
		return failure(StageDeploy, &backend.ValidationError{Field: "service", Message: "target missing service or region"})
	}
	if cred.Expired(time.Now()) {
		return failure(StageDeploy, &auth.AuthError{Step: "credential", Err: fmt.Errorf("credential expired before use")})
	}

	return e.run(ctx, target, cred)
}

func (e *Executor) run(ctx context.Context, target backend.DeploymentTarget, cred auth.Credential) Result {
	sub, err := e.Backend.Submit(ctx, target, cred)
	if err != nil {
		return failure(StageDeploy, err)
	}
	log.Debug().Str("operation", sub.OperationRef).Bool("updated", sub.Updated).Msg("polling for completion")

	timeout := time.NewTimer(e.timeout())
	defer timeout.Stop()
	ticker := time.NewTicker(e.pollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			res := failure(StageDeploy, ctx.Err())
			res.Updated = sub.Updated
			return res
		case <-timeout.C:
			// The remote operation keeps running; the outcome is unknown,
			// which is distinct from a known failure.
			return Result{
				Status:  api.DeployTimedOut,
				Stage:   StageDeploy,
				Message: fmt.Sprintf("no terminal status within %s; remote operation %s continues", e.timeout(), sub.OperationRef),
				Updated: sub.Updated,
			}
		case <-ticker.C:
			op, err := e.Backend.Poll(ctx, sub.OperationRef, cred)
			if err != nil {
				res := failure(StageDeploy, err)
				res.Updated = sub.Updated
				return res
			}
			switch op.Phase {
			case backend.OpSucceeded:
				return Result{Status: api.DeploySucceeded, Stage: StageDeploy, Updated: sub.Updated}
			case backend.OpFailed:
				res := failure(StageDeploy, &backend.RemoteError{Backend: e.Backend.Name(), Body: op.Message})
				res.Updated = sub.Updated
				return res
			}
			log.Debug().Str("operation", sub.OperationRef).Msg("operation still pending")
		}
	}
}
