package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/vyvo/appbuilder/pkg/api"
	"github.com/vyvo/appbuilder/pkg/config"
	"github.com/vyvo/appbuilder/pkg/controller"
	"github.com/vyvo/appbuilder/pkg/engine"
	"github.com/vyvo/appbuilder/pkg/flows"
	"github.com/vyvo/appbuilder/pkg/github"
	"github.com/vyvo/appbuilder/pkg/telemetry"
)

type rootOptions struct {
	configFile string
	engineURL  string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "appbuilder",
		Short:         "Build apps from a prompt on a workflow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configFile, "config", "", "config file (default ./configs/config.*)")
	cmd.PersistentFlags().StringVar(&opts.engineURL, "engine-url", "", "engine API base URL, overrides engine.base_url")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "enable debug logging")

	cmd.AddCommand(newBuildCmd(opts), newHealthCmd(opts))
	return cmd
}

func (o *rootOptions) load() (config.Config, *zap.Logger, error) {
	cfg, err := config.LoadCLI(o.configFile)
	if err != nil {
		return config.Config{}, nil, err
	}
	if o.engineURL != "" {
		cfg.Engine.BaseURL = o.engineURL
	}

	logger := zap.NewNop()
	if o.debug || cfg.Log.Debug {
		if logger, err = zap.NewDevelopment(); err != nil {
			return config.Config{}, nil, fmt.Errorf("build logger: %w", err)
		}
	}
	return cfg, logger, nil
}

func newHealthCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the engine is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load()
			if err != nil {
				return err
			}
			client := engine.NewClient(cfg.Engine.BaseURL, cfg.Engine.ClientOptions()...)
			if !client.Probe(cmd.Context()) {
				return fmt.Errorf("engine at %s is unreachable", client.BaseURL())
			}
			fmt.Fprintf(cmd.OutOrStdout(), "engine at %s is healthy\n", client.BaseURL())
			return nil
		},
	}
}

type buildOptions struct {
	prompt   string
	repoURL  string
	repoName string
	json     bool
}

func newBuildCmd(root *rootOptions) *cobra.Command {
	opts := &buildOptions{}
	cmd := &cobra.Command{
		Use:   "build",
		Short: "Submit a prompt and wait for the build to finish",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuild(cmd, root, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.prompt, "prompt", "p", "", "what to build")
	cmd.Flags().StringVar(&opts.repoURL, "repo-url", "", "existing repository to update")
	cmd.Flags().StringVar(&opts.repoName, "repo-name", "", "name of the existing repository")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print the outcome as JSON")
	_ = cmd.MarkFlagRequired("prompt")
	return cmd
}

func runBuild(cmd *cobra.Command, root *rootOptions, opts *buildOptions) error {
	cfg, logger, err := root.load()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	ctx := cmd.Context()
	shutdown := telemetry.InitTracer(ctx, telemetry.Options{
		ServiceName: cfg.Telemetry.ServiceName,
		Enabled:     cfg.Telemetry.Enabled,
		Writer:      cmd.ErrOrStderr(),
		Logger:      logger,
	})
	defer func() { _ = shutdown(ctx) }()

	var existing *flows.RepositoryHandle
	if opts.repoURL != "" {
		existing = &flows.RepositoryHandle{URL: opts.repoURL, Name: opts.repoName}
	}
	req := flows.NewBuildRequest(opts.prompt, existing)
	if req.Prompt == "" {
		return errors.New("prompt must not be empty")
	}

	ctrlOpts := []controller.Option{
		controller.WithSelector(flows.NewSelector(cfg.Flows)),
		controller.WithPollConfig(cfg.Poll),
		controller.WithResolver(cfg.Resolver.Resolver()),
		controller.WithLogger(logger),
	}
	if cfg.Github.Token != "" {
		verifier, err := github.NewVerifier(ctx, cfg.Github.Token, cfg.Github.BaseURL)
		if err != nil {
			return err
		}
		ctrlOpts = append(ctrlOpts, controller.WithVerifier(verifier))
	}
	client := engine.NewClient(cfg.Engine.BaseURL, cfg.Engine.ClientOptions()...)
	ctrl := controller.New(client, ctrlOpts...)
	defer ctrl.Wait()

	progress := cmd.ErrOrStderr()
	results := make(chan controller.Result, 1)
	obs := controller.ObserverFuncs{
		Progress: func(ev controller.ProgressEvent) { printProgress(progress, ev) },
		Result:   func(res controller.Result) { results <- res },
	}
	if err := ctrl.Start(ctx, req, obs); err != nil {
		return err
	}

	var res controller.Result
	select {
	case res = <-results:
	case <-ctx.Done():
		ctrl.Cancel()
		return errors.New("build cancelled")
	}

	out := cmd.OutOrStdout()
	if opts.json {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(api.ViewOutcome(res.Outcome)); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out, res.Summary)
	}
	if res.Err != nil {
		return fmt.Errorf("build failed: %s", res.Err.Kind)
	}
	return nil
}

func printProgress(w io.Writer, ev controller.ProgressEvent) {
	if ev.Attempt > 0 {
		fmt.Fprintf(w, "[%d/%d] %s\n", ev.Attempt, ev.MaxAttempts, ev.Message)
		return
	}
	fmt.Fprintln(w, ev.Message)
}
