package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/skiff-dev/skiff/internal/auth"
	"github.com/skiff-dev/skiff/internal/backend"
	"github.com/skiff-dev/skiff/internal/backend/cloudrun"
	"github.com/skiff-dev/skiff/internal/backend/sshhost"
	"github.com/skiff-dev/skiff/internal/config"
	"github.com/skiff-dev/skiff/internal/deploy"
	"github.com/skiff-dev/skiff/internal/history"
	gssh "github.com/skiff-dev/skiff/internal/ssh"
)

// Resolve configuration, applying auth/project flag overrides when set.
func resolveConfig(cmd *cobra.Command) (config.Config, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return config.Config{}, err
	}
	if f := cmd.Flags().Lookup("project"); f != nil && f.Changed {
		cfg.Backends.CloudRun.Project = f.Value.String()
	}
	if f := cmd.Flags().Lookup("service-account"); f != nil && f.Changed {
		cfg.Auth.ServiceAccount = f.Value.String()
	}
	if f := cmd.Flags().Lookup("workload-identity-provider"); f != nil && f.Changed {
		cfg.Auth.IdentityProvider = f.Value.String()
	}
	if f := cmd.Flags().Lookup("identity-token-file"); f != nil && f.Changed {
		cfg.Auth.SubjectTokenFile = f.Value.String()
	}
	return cfg, nil
}

// Build the backend registry from configuration.
func resolveBackends(cfg config.Config) *backend.Registry {
	reg := backend.NewRegistry()
	reg.Register(cloudrun.New(cfg))
	reg.Register(sshhost.New(cfg))
	return reg
}

func newBroker(cfg config.Config) *auth.Broker {
	return &auth.Broker{
		TokenURL:         cfg.Auth.TokenURL,
		IAMEndpoint:      cfg.Auth.IAMEndpoint,
		SubjectTokenFile: cfg.Auth.SubjectTokenFile,
		SubjectToken:     cfg.Auth.SubjectToken,
		Scope:            cfg.Auth.Scope,
	}
}

// Deploy a descriptor
func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy a versioned artifact to a remote compute target",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}

			ov := deploy.Overrides{}
			ov.Service, _ = cmd.Flags().GetString("service")
			ov.Region, _ = cmd.Flags().GetString("region")
			ov.Port, _ = cmd.Flags().GetInt("port")
			ov.Source, _ = cmd.Flags().GetString("source")
			ov.Backend, _ = cmd.Flags().GetString("backend")
			ov.Env, _ = cmd.Flags().GetStringToString("env")
			if cmd.Flags().Changed("allow-unauthenticated") {
				allow, _ := cmd.Flags().GetBool("allow-unauthenticated")
				ov.AllowUnauthenticated = &allow
			}

			pollInterval, _ := cmd.Flags().GetDuration("poll-interval")
			if pollInterval <= 0 {
				pollInterval = time.Duration(cfg.Defaults.PollIntervalSeconds) * time.Second
			}
			timeout, _ := cmd.Flags().GetDuration("timeout")
			if timeout <= 0 {
				timeout = time.Duration(cfg.Defaults.TimeoutSeconds) * time.Second
			}

			pipe := &deploy.Pipeline{
				Broker:           newBroker(cfg),
				Backends:         resolveBackends(cfg),
				DefaultBackend:   cfg.Backends.Default,
				IdentityProvider: cfg.Auth.IdentityProvider,
				ServiceAccount:   cfg.Auth.ServiceAccount,
				PollInterval:     pollInterval,
				Timeout:          timeout,
			}

			start := time.Now()
			res := pipe.RunFile(cmd.Context(), file, ov)
			code, msg := deploy.Report(res)
			recordRun(cmd, cfg, res, start)

			if code == deploy.ExitOK {
				fmt.Println(msg)
				return nil
			}
			return &exitError{code: code, msg: msg}
		},
	}
	cmd.Flags().StringP("file", "f", "", "deployment descriptor (YAML)")
	cmd.Flags().String("service", "", "service name override")
	cmd.Flags().String("region", "", "region override")
	cmd.Flags().Int("port", 0, "container port override")
	cmd.Flags().String("source", "", "image or source path override")
	cmd.Flags().Bool("allow-unauthenticated", false, "allow unauthenticated access")
	cmd.Flags().StringToString("env", nil, "environment overrides (KEY=VALUE)")
	cmd.Flags().String("backend", "", "backend name (defaults to config)")
	cmd.Flags().String("project", "", "project override for the cloudrun backend")
	cmd.Flags().String("service-account", "", "service account to impersonate")
	cmd.Flags().String("workload-identity-provider", "", "workload identity provider resource")
	cmd.Flags().String("identity-token-file", "", "file holding the platform-issued identity token")
	cmd.Flags().Duration("timeout", 0, "bound on waiting for the remote operation")
	cmd.Flags().Duration("poll-interval", 0, "interval between completion polls")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// recordRun appends the outcome to the history ledger when one is configured.
func recordRun(cmd *cobra.Command, cfg config.Config, res deploy.Result, start time.Time) {
	if cfg.History.Path == "" {
		return
	}
	store, err := history.Open(cfg.History.Path)
	if err != nil {
		log.Warn().Err(err).Msg("history store unavailable")
		return
	}
	defer store.Close()
	_, err = store.Record(cmd.Context(), history.Run{
		Service:    res.Service,
		Region:     res.Region,
		Backend:    res.Backend,
		Status:     string(res.Status),
		Message:    res.Message,
		StartedAt:  start,
		FinishedAt: time.Now(),
	})
	if err != nil {
		log.Warn().Err(err).Msg("failed to record run")
	}
}

// Validate a descriptor without deploying
func newValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a deployment descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			spec, err := deploy.LoadFile(file)
			if err != nil {
				return &exitError{code: deploy.ExitValidation, msg: err.Error()}
			}
			if _, err := deploy.FromSpec(spec); err != nil {
				return &exitError{code: deploy.ExitValidation, msg: err.Error()}
			}
			fmt.Printf("descriptor valid: service %s in %s\n", spec.Service, spec.Region)
			return nil
		},
	}
	cmd.Flags().StringP("file", "f", "", "deployment descriptor (YAML)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// Show remote service state
func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the current state of a deployed service",
		RunE: func(cmd *cobra.Command, args []string) error {
			service, _ := cmd.Flags().GetString("service")
			region, _ := cmd.Flags().GetString("region")
			name, _ := cmd.Flags().GetString("backend")
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if name == "" {
				name = cfg.Backends.Default
			}
			b, err := resolveBackends(cfg).Get(name)
			if err != nil {
				return err
			}
			cred, err := newBroker(cfg).Acquire(cmd.Context(), cfg.Auth.IdentityProvider, cfg.Auth.ServiceAccount)
			if err != nil {
				return &exitError{code: deploy.ExitAuth, msg: err.Error()}
			}
			state, err := b.Describe(cmd.Context(), service, region, cred)
			if err != nil {
				return err
			}
			if !state.Exists {
				fmt.Printf("%s\tnot deployed\n", service)
				return nil
			}
			ready := "not ready"
			if state.Ready {
				ready = "ready"
			}
			fmt.Printf("%s\t%s\t%s\n", service, ready, state.URL)
			return nil
		},
	}
	cmd.Flags().String("service", "", "service name")
	cmd.Flags().String("region", "", "region")
	cmd.Flags().String("backend", "", "backend name (defaults to config)")
	cmd.Flags().String("project", "", "project override for the cloudrun backend")
	cmd.Flags().String("service-account", "", "service account to impersonate")
	cmd.Flags().String("workload-identity-provider", "", "workload identity provider resource")
	cmd.Flags().String("identity-token-file", "", "file holding the platform-issued identity token")
	_ = cmd.MarkFlagRequired("service")
	_ = cmd.MarkFlagRequired("region")
	return cmd
}

// List recorded runs
func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded deployment runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.History.Path == "" {
				return fmt.Errorf("history is not configured; set history.path in config")
			}
			store, err := history.Open(cfg.History.Path)
			if err != nil {
				return err
			}
			defer store.Close()
			runs, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Printf("%s\t%s\t%s\t%s\t%s\t%s\n",
					r.FinishedAt.Local().Format(time.RFC3339), r.Service, r.Region, r.Backend, r.Status, r.Message)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum number of runs to list")
	return cmd
}

// Inspect configured backends
func newBackendsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "backends",
		Short: "Inspect configured backends",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig(cmd)
			if err != nil {
				return err
			}
			reg := resolveBackends(cfg)
			fmt.Printf("default: %s\n", cfg.Backends.Default)
			for _, name := range reg.Names() {
				fmt.Printf("registered: %s\n", name)
			}
			return nil
		},
	}
}

const defaultConfigTemplate = `auth:
  # token_url: https://sts.googleapis.com/v1/token
  # identity_provider: projects/NUMBER/locations/global/workloadIdentityPools/POOL/providers/PROVIDER
  # service_account: deployer@PROJECT.iam.gserviceaccount.com
  # subject_token_file: /var/run/identity/token
backends:
  default: cloudrun
  cloudrun:
    # project: PROJECT
  sshhost:
    hosts: []
defaults:
  poll_interval_seconds: 5
  timeout_seconds: 600
# history:
#   path: ~/.local/state/skiff/history.db
`

// Initialize configuration and SSH material
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "skiff initialization command. Run this the first time.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				cfgPath = config.DefaultPath()
			}
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.MkdirAll(filepath.Dir(cfgPath), 0700); err != nil {
					return err
				}
				if err := os.WriteFile(cfgPath, []byte(defaultConfigTemplate), 0600); err != nil {
					return err
				}
				fmt.Printf("wrote default config to %s\n", cfgPath)
			} else {
				fmt.Printf("config already present at %s\n", cfgPath)
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			keyPath := filepath.Join(cfg.SSH.KeyDir, "id_ed25519")
			if _, err := os.Stat(keyPath); os.IsNotExist(err) {
				if err := os.MkdirAll(cfg.SSH.KeyDir, 0700); err != nil {
					return err
				}
				pub, err := gssh.GenerateEd25519Keypair(keyPath)
				if err != nil {
					return err
				}
				fmt.Printf("generated ssh key at %s\npublic key: %s", keyPath, pub)
			}
			if err := gssh.EnsureKnownHostsFile(cfg.SSH.KnownHosts); err != nil {
				return err
			}
			return nil
		},
	}
}
