package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/animus-labs/hannibal/internal/completion"
	"github.com/animus-labs/hannibal/internal/domain"
	"github.com/animus-labs/hannibal/internal/execution/scheduler"
	"github.com/animus-labs/hannibal/internal/platform/badger"
	"github.com/animus-labs/hannibal/internal/platform/env"
	"github.com/animus-labs/hannibal/internal/platform/httpserver"
	"github.com/animus-labs/hannibal/internal/platform/k8s"
	"github.com/animus-labs/hannibal/internal/platform/objectstore"
	"github.com/animus-labs/hannibal/internal/platform/postgres"
	repopg "github.com/animus-labs/hannibal/internal/repo/postgres"
	"github.com/animus-labs/hannibal/internal/runtimeexec"
	"github.com/animus-labs/hannibal/internal/snapshot"
	"github.com/animus-labs/hannibal/internal/storage/badgerstore"
	storageobjectstore "github.com/animus-labs/hannibal/internal/storage/objectstore"
)

const startupTimeout = 10 * time.Second

// backend is the completion store selected by --store plus what comes with it.
type backend struct {
	store   completion.Store
	leaser  scheduler.Leaser
	checks  []httpserver.ReadinessCheck
	closers []func() error
}

func (b *backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		errs = append(errs, b.closers[i]())
	}
	return errors.Join(errs...)
}

func (o *options) openBackend(ctx context.Context) (*backend, error) {
	b := &backend{}
	switch o.store {
	case storeMemory:
		b.store = completion.NewMemoryStore()
	case storeFile:
		fs, err := completion.NewFileStore(o.statusDir)
		if err != nil {
			return nil, invalidConfig(err)
		}
		b.store = fs
	case storePostgres:
		if err := o.openPostgres(ctx, b); err != nil {
			return nil, err
		}
	case storeMinIO:
		if err := o.openMinIO(ctx, b); err != nil {
			return nil, err
		}
	case storeBadger:
		if err := o.openBadger(b); err != nil {
			return nil, err
		}
	default:
		return nil, invalidConfig(fmt.Errorf("unsupported store %q", o.store))
	}
	if o.lease && b.leaser == nil {
		b.leaser = scheduler.NewMemoryLeaser()
	}
	o.logger.Debug("completion store ready", "store", o.store, "lease", o.lease)
	return b, nil
}

func (o *options) openPostgres(ctx context.Context, b *backend) error {
	cfg, err := postgres.ConfigFromEnv()
	if err != nil {
		return invalidConfig(err)
	}
	db, err := postgres.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("database unavailable: %w", err)
	}
	b.closers = append(b.closers, db.Close)

	schemaCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := repopg.EnsureSchema(schemaCtx, db); err != nil {
		_ = b.Close()
		return err
	}

	b.store = repopg.NewCompletionStore(db)
	if o.lease {
		b.leaser = repopg.NewLeaseStore(db)
	}
	b.checks = append(b.checks, httpserver.ReadinessCheck{
		Name:  "postgres",
		Check: func(ctx context.Context) error { return postgres.Ping(ctx, db, cfg.PingTimeout) },
	})
	return nil
}

func (o *options) openMinIO(ctx context.Context, b *backend) error {
	cfg, err := objectstore.ConfigFromEnv()
	if err != nil {
		return invalidConfig(err)
	}
	client, err := objectstore.NewMinIOClient(cfg)
	if err != nil {
		return invalidConfig(err)
	}
	startupCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := objectstore.EnsureBucket(startupCtx, client, cfg); err != nil {
		return fmt.Errorf("object store unavailable: %w", err)
	}

	objects, err := storageobjectstore.NewMinioStoreWithClient(client)
	if err != nil {
		return err
	}
	store, err := storageobjectstore.NewCompletionStore(objects, cfg.Bucket, cfg.Prefix)
	if err != nil {
		return invalidConfig(err)
	}
	b.store = store
	b.checks = append(b.checks, httpserver.ReadinessCheck{
		Name:  "minio",
		Check: func(ctx context.Context) error { return objectstore.CheckBucket(ctx, client, cfg) },
	})
	return nil
}

func (o *options) openBadger(b *backend) error {
	cfg, err := badger.ConfigFromEnv()
	if err != nil {
		return invalidConfig(err)
	}
	cfg.Logger = o.logger.With("component", "badger")
	db, err := badger.Open(cfg)
	if err != nil {
		return fmt.Errorf("badger unavailable: %w", err)
	}
	b.closers = append(b.closers, db.Close)

	store, err := badgerstore.NewCompletionStore(db)
	if err != nil {
		_ = b.Close()
		return err
	}
	b.store = store
	b.checks = append(b.checks, httpserver.ReadinessCheck{
		Name:  "badger",
		Check: func(context.Context) error {
			if db.IsClosed() {
				return errors.New("badger database is closed")
			}
			return nil
		},
	})
	return nil
}

// newExecutor builds the stage runtime selected by --runtime.
func (o *options) newExecutor() (scheduler.Executor, error) {
	tmpl, err := runtimeexec.TemplateFromEnv()
	if err != nil {
		return nil, invalidConfig(err)
	}
	if o.runtime == runtimeDryRun {
		return runtimeexec.NewDryRunExecutor(tmpl, o.logger), nil
	}

	execCfg, err := runtimeexec.ExecutorConfigFromEnv()
	if err != nil {
		return nil, invalidConfig(err)
	}

	var rt runtimeexec.Runtime
	switch o.runtime {
	case runtimeDocker:
		rt, err = runtimeexec.NewDockerRuntime(env.String("HANNIBAL_DOCKER_BIN", "docker"))
	case runtimeKubernetes:
		rt, err = o.newKubernetesRuntime(tmpl.Namespace)
	default:
		err = fmt.Errorf("unsupported runtime %q", o.runtime)
	}
	if err != nil {
		return nil, invalidConfig(err)
	}
	exec, err := runtimeexec.NewJobExecutor(rt, tmpl, execCfg, o.logger)
	if err != nil {
		return nil, invalidConfig(err)
	}
	return exec, nil
}

func (o *options) newKubernetesRuntime(namespace string) (runtimeexec.Runtime, error) {
	ttl, err := env.Int("HANNIBAL_K8S_JOB_TTL_SECONDS", 3600)
	if err != nil {
		return nil, err
	}
	var client *k8s.Client
	if apiURL := strings.TrimSpace(env.String("HANNIBAL_K8S_API_URL", "")); apiURL != "" {
		if strings.TrimSpace(namespace) == "" {
			namespace = "default"
		}
		client, err = k8s.NewClient(apiURL, env.String("HANNIBAL_K8S_TOKEN", ""), namespace, &http.Client{Timeout: 15 * time.Second})
	} else {
		client, err = k8s.NewInClusterClient()
	}
	if err != nil {
		return nil, err
	}
	return runtimeexec.NewKubernetesRuntime(client, namespace, int32(ttl), env.String("HANNIBAL_K8S_SERVICE_ACCOUNT", ""))
}

// newSnapshotter is only consulted when the plan holds a snapshot stage.
func (o *options) newSnapshotter(plan domain.ExecutionPlan) (snapshot.Service, error) {
	needed := false
	for _, stage := range plan.Stages {
		if stage.IsSnapshot() {
			needed = true
			break
		}
	}
	if !needed {
		return nil, nil
	}
	if o.runtime == runtimeDryRun {
		return snapshot.DryRun{Logger: o.logger}, nil
	}
	cfg, err := snapshot.ConfigFromEnv()
	if err != nil {
		return nil, invalidConfig(err)
	}
	es, err := snapshot.NewElasticsearch(cfg, nil, o.logger)
	if err != nil {
		return nil, invalidConfig(err)
	}
	return es, nil
}

func (o *options) newScheduler(b *backend, snapshotter snapshot.Service) *scheduler.Scheduler {
	opts := []scheduler.Option{
		scheduler.WithLogger(o.logger),
		scheduler.WithParallelism(o.parallelism),
	}
	if worker := strings.TrimSpace(env.String("HANNIBAL_WORKER", "")); worker != "" {
		opts = append(opts, scheduler.WithWorker(worker))
	}
	if snapshotter != nil {
		opts = append(opts, scheduler.WithSnapshotter(snapshotter))
	}
	if b.leaser != nil {
		opts = append(opts, scheduler.WithLeaser(b.leaser, o.leaseTTL))
	}
	return scheduler.New(b.store, opts...)
}
