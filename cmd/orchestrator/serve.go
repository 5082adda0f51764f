package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	dockerclient "github.com/docker/docker/client"
	"github.com/docker/go-connections/tlsconfig"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cloud-pipelines/orchestrator/internal/artifactstore"
	"github.com/cloud-pipelines/orchestrator/internal/launcher"
	"github.com/cloud-pipelines/orchestrator/internal/leaderlock"
	"github.com/cloud-pipelines/orchestrator/internal/opstats"
	"github.com/cloud-pipelines/orchestrator/internal/pipeline"
	"github.com/cloud-pipelines/orchestrator/internal/store"
	"github.com/cloud-pipelines/orchestrator/internal/sweeppool"
	"github.com/cloud-pipelines/orchestrator/pkg/logging"
	"github.com/redis/go-redis/v9"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the sweep loop",
	RunE:  runServe,
}

func buildArtifactStore(ctx context.Context) (pipeline.ArtifactStore, error) {
	switch viper.GetString("artifact-store") {
	case "s3":
		return artifactstore.NewS3Store(ctx, viper.GetString("s3-region"))
	case "memory":
		return artifactstore.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown artifact-store %q", viper.GetString("artifact-store"))
	}
}

func buildLauncher() (pipeline.Launcher, error) {
	reg := &launcher.Registry{Default: viper.GetString("default-launcher")}

	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if certPath := viper.GetString("docker-tls-cert-path"); certPath != "" {
		tlsCfg, err := tlsconfig.Client(tlsconfig.Options{
			CAFile:   filepath.Join(certPath, "ca.pem"),
			CertFile: filepath.Join(certPath, "cert.pem"),
			KeyFile:  filepath.Join(certPath, "key.pem"),
		})
		if err != nil {
			return nil, fmt.Errorf("build docker TLS config: %w", err)
		}
		opts = append(opts, dockerclient.WithHTTPClient(&http.Client{
			Transport: &http.Transport{TLSClientConfig: tlsCfg},
		}))
	}

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	reg.Docker = launcher.NewDockerLauncher(cli)
	reg.Process = launcher.NewProcessLauncher(viper.GetString("process-log-dir"))
	return reg, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	log := logging.New(logging.Config{
		Level:   viper.GetString("log-level"),
		Format:  viper.GetString("log-format"),
		Service: "orchestrator",
	})
	entry := logging.ForRun(log, "serve", "orchestrator")

	dbURL := viper.GetString("database-url")
	if dbURL == "" {
		return fmt.Errorf("--database-url is required")
	}
	repo, err := store.NewPostgresRepository(ctx, dbURL)
	if err != nil {
		return fmt.Errorf("connect to store: %w", err)
	}
	defer repo.Close()

	artifacts, err := buildArtifactStore(ctx)
	if err != nil {
		return err
	}
	launch, err := buildLauncher()
	if err != nil {
		return err
	}

	orch := &pipeline.Orchestrator{
		Repo:      repo,
		Launcher:  launch,
		Artifacts: artifacts,
		Layout: pipeline.URILayout{
			DataRootURI: viper.GetString("data-root"),
			LogsRootURI: viper.GetString("logs-root"),
		},
		CacheEnabled: viper.GetBool("cache-enabled"),
		Logger:       entry,
	}

	stats := opstats.New(200)
	sweepTick := stats.Wrap("sweep", func(ctx context.Context) (bool, error) {
		orch.SweepOnce(ctx)
		return true, nil
	})
	pool := sweeppool.New(sweeppool.Config{
		Sweeps:       map[string]sweeppool.SweepConfig{"sweep": {Fn: sweepTick, Workers: 4}},
		IdleBackoff:  250 * time.Millisecond,
		ErrorBackoff: 2 * time.Second,
	}, entry)

	if redisURL := viper.GetString("redis-url"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		lock := leaderlock.New(client, "orchestrator-sweep", hostnameOrPID(), 30*time.Second)
		entry.Info("waiting to acquire leader lock")
		if err := waitForLeadership(ctx, lock, entry); err != nil {
			return err
		}
		go renewLeadershipLoop(ctx, lock, entry)
	}

	entry.Info("orchestrator starting sweep pool")
	pool.Start(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	entry.Info("shutting down")
	pool.Stop()
	return nil
}

func hostnameOrPID() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return fmt.Sprintf("pid-%d", os.Getpid())
}

// waitForLeadership blocks until this process wins the leader lock,
// retrying on a short poll and falling back to that poll if a wake
// notification never arrives (e.g. the prior holder crashed without
// releasing cleanly).
func waitForLeadership(ctx context.Context, lock *leaderlock.Lock, log interface{ Info(args ...interface{}) }) error {
	for {
		ok, err := lock.TryAcquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire leader lock: %w", err)
		}
		if ok {
			log.Info("acquired leader lock")
			return nil
		}
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_ = lock.WaitForWake(waitCtx)
		cancel()
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

// renewLeadershipLoop keeps the lock's TTL from expiring while this
// process is the active sweeper.
func renewLeadershipLoop(ctx context.Context, lock *leaderlock.Lock, log interface{ Warn(args ...interface{}) }) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ok, err := lock.Renew(ctx); err != nil || !ok {
				log.Warn("lost leader lock renewal")
			}
		}
	}
}
