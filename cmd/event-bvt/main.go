// event-bvt submits one job to an HPC Pack cluster and verifies the state changes
// its push hubs report until the job and its task finish.
package main

import (
	"context"
	"eventbvt/internal/apperrors"
	"eventbvt/internal/config"
	"eventbvt/internal/hpc"
	"eventbvt/internal/observability"
	"eventbvt/internal/scenario"
	"eventbvt/internal/signalr"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const pushTimeout = 10 * time.Second

func main() {
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, nil, level)
	stop()

	if err != nil {
		slog.Error("Event BVT failed", "error", err)
		os.Exit(apperrors.ExitCode(err))
	}
}

func run(ctx context.Context, env config.Env, level *slog.LevelVar) error {
	// Configuration is validated before any network activity.
	cfg, err := config.LoadConfig(env)
	if err != nil {
		return err
	}
	level.Set(cfg.LogLevel)

	metrics, err := observability.NewMetrics()
	if err != nil {
		return apperrors.Internal("metrics", err)
	}

	descriptor := hpc.DefaultJob()
	if cfg.JobFile != "" {
		if descriptor, err = hpc.LoadDescriptor(cfg.JobFile); err != nil {
			return err
		}
	}

	client := hpc.NewClient(hpc.ClientConfig{
		Credentials:        cfg.Credentials,
		Timeout:            cfg.RequestTimeout,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Metrics:            metrics,
	})
	defer client.Transport().CloseIdleConnections()

	header := http.Header{}
	header.Set("Authorization", cfg.Credentials.AuthorizationHeader())

	runner := &scenario.Runner{
		ControlPlane: client,
		Connect: func(ctx context.Context) (*signalr.Conn, error) {
			ctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
			defer cancel()
			return signalr.Connect(ctx, signalr.Options{
				URL:       client.BaseURL() + "/hpc",
				Header:    header,
				Transport: client.Transport(),
				Hubs:      []string{hpc.JobEventHub, hpc.TaskEventHub},
			})
		},
		Descriptor:           descriptor,
		WaitTimeout:          cfg.WaitTimeout,
		TaskID:               cfg.TaskID,
		FailOnTransportError: cfg.FailOnTransportError,
		Metrics:              metrics,
	}

	slog.Info("Starting event BVT", "hostname", cfg.Credentials.Hostname, "job", descriptor.Name,
		"waitTimeout", cfg.WaitTimeout, "failOnTransportError", cfg.FailOnTransportError)

	res, runErr := runner.Run(ctx)

	if cfg.PushgatewayURL != "" {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
		if err := metrics.Push(pushCtx, cfg.PushgatewayURL, res.RunID); err != nil {
			slog.Warn("Failed to push metrics", "url", cfg.PushgatewayURL, "error", err)
		}
		cancel()
	}

	return runErr
}
