package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/vyvo/appbuilder/pkg/engine/enginetest"
)

func main() {
	logger, err := zap.NewDevelopment()
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mode := valueOrDefault(os.Getenv("WORKFLOW_ENGINE_MODE"), "preview")
	runs, err := strconv.Atoi(valueOrDefault(os.Getenv("WORKFLOW_ENGINE_RUNNING_STEPS"), "3"))
	if err != nil {
		logger.Fatal("invalid WORKFLOW_ENGINE_RUNNING_STEPS", zap.Error(err))
	}
	script, err := scriptFor(mode, runs)
	if err != nil {
		logger.Fatal("invalid WORKFLOW_ENGINE_MODE", zap.Error(err))
	}

	fake := enginetest.New(script...)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{\"status\":\"ok\"}"))
	})
	mux.Handle("/api/v1/", fake.Handler("/api/v1"))

	addr := valueOrDefault(os.Getenv("WORKFLOW_ENGINE_ADDR"), ":8081")
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("workflow engine listening", zap.String("addr", addr), zap.String("mode", mode), zap.Int("running_steps", runs))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("workflow engine failed", zap.Error(err))
	}
}

// scriptFor returns the status sequence every execution walks through.
func scriptFor(mode string, runs int) ([]enginetest.Step, error) {
	steps := make([]enginetest.Step, 0, runs+1)
	for i := 0; i < runs; i++ {
		steps = append(steps, enginetest.Step{State: "RUNNING"})
	}

	switch strings.ToLower(mode) {
	case "preview":
		steps = append(steps, enginetest.Step{State: "SUCCESS", Outputs: map[string]any{
			"previewUrl": "https://preview.localhost/app",
		}})
	case "github":
		steps = append(steps, enginetest.Step{State: "SUCCESS", Outputs: map[string]any{
			"repoUrl":  "https://github.com/example/generated-app",
			"repoName": "generated-app",
			"status":   "github_ready",
		}})
	case "deploy-task":
		steps = append(steps, enginetest.Step{State: "SUCCESS", Tasks: []enginetest.Task{{
			TaskID: "deploy",
			Vars:   map[string]any{"deployment": map[string]any{"preview_url": "https://preview.localhost/app"}},
		}}})
	case "fail":
		steps = append(steps, enginetest.Step{State: "FAILED"})
	case "hang":
	default:
		return nil, fmt.Errorf("unknown mode %q (want preview, github, deploy-task, fail or hang)", mode)
	}
	return steps, nil
}

func valueOrDefault(val, fallback string) string {
	if val == "" {
		return fallback
	}
	return val
}
