package main

import (
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/animus-labs/hannibal/internal/domain"
	"github.com/animus-labs/hannibal/internal/pipeline"
	"github.com/animus-labs/hannibal/internal/platform/env"
)

const (
	storeMemory   = "memory"
	storeFile     = "file"
	storePostgres = "postgres"
	storeMinIO    = "minio"
	storeBadger   = "badger"

	runtimeDocker     = "docker"
	runtimeKubernetes = "kubernetes"
	runtimeDryRun     = "dryrun"
)

var (
	storeKinds   = []string{storeMemory, storeFile, storePostgres, storeMinIO, storeBadger}
	runtimeKinds = []string{runtimeDocker, runtimeKubernetes, runtimeDryRun}
)

type options struct {
	logFormat    string
	logLevel     string
	pipelinePath string
	branch       string
	dataVersion  string
	store        string
	statusDir    string
	runtime      string
	parallelism  int
	lease        bool
	leaseTTL     time.Duration

	stdout io.Writer
	stderr io.Writer
	logger *slog.Logger
	now    func() time.Time
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{stdout: stdout, stderr: stderr, now: time.Now}

	root := &cobra.Command{
		Use:           "hannibal",
		Short:         "Run the data pipeline stage graph, once per data version",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.init(cmd)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.logFormat, "log-format", "json", "log output format: json or text (env HANNIBAL_LOG_FORMAT)")
	flags.StringVar(&opts.logLevel, "log-level", env.String("HANNIBAL_LOG_LEVEL", "info"), "log level: debug, info, warn or error")
	flags.StringVar(&opts.pipelinePath, "pipeline", env.String("HANNIBAL_PIPELINE", ""), "pipeline definition file (.yaml or .hcl); built-in stage table when empty")
	flags.StringVar(&opts.branch, "branch", env.String("HANNIBAL_BRANCH", pipeline.DefaultBranch), "mrtarget image tag used by the built-in stage table")
	flags.StringVar(&opts.dataVersion, "data-version", env.String("HANNIBAL_DATA_VERSION", ""), "data version to run; derived from the current date when empty")
	flags.StringVar(&opts.store, "store", storeFile, "completion store: "+strings.Join(storeKinds, ", ")+" (env HANNIBAL_STORE)")
	flags.StringVar(&opts.statusDir, "status-dir", env.String("HANNIBAL_STATUS_DIR", "status"), "marker directory for the file store")
	flags.StringVar(&opts.runtime, "runtime", runtimeDocker, "stage runtime: "+strings.Join(runtimeKinds, ", ")+" (env HANNIBAL_RUNTIME)")
	flags.IntVar(&opts.parallelism, "parallelism", 1, "maximum number of independent stages run at once")
	flags.BoolVar(&opts.lease, "lease", false, "hold a per-stage lease so only one worker runs a stage")
	flags.DurationVar(&opts.leaseTTL, "lease-ttl", 30*time.Minute, "lease time to live, renewed while the stage runs")

	root.AddCommand(
		newStagesCommand(opts),
		newPlanCommand(opts),
		newRunCommand(opts),
		newServeCommand(opts),
	)
	return root
}

// init applies env fallbacks for choice flags left unset, then validates.
func (o *options) init(cmd *cobra.Command) error {
	for _, choice := range []struct {
		flag    string
		key     string
		target  *string
		allowed []string
	}{
		{flag: "log-format", key: "HANNIBAL_LOG_FORMAT", target: &o.logFormat, allowed: []string{"json", "text"}},
		{flag: "store", key: "HANNIBAL_STORE", target: &o.store, allowed: storeKinds},
		{flag: "runtime", key: "HANNIBAL_RUNTIME", target: &o.runtime, allowed: runtimeKinds},
	} {
		if cmd.Flags().Changed(choice.flag) {
			continue
		}
		v, err := env.OneOf(choice.key, *choice.target, choice.allowed...)
		if err != nil {
			return invalidConfig(err)
		}
		*choice.target = v
	}

	logger, err := newLogger(o.stderr, o.logFormat, o.logLevel)
	if err != nil {
		return invalidConfig(err)
	}
	o.logger = logger

	var issues []string
	if !slices.Contains(storeKinds, o.store) {
		issues = append(issues, fmt.Sprintf("unsupported store %q", o.store))
	}
	if !slices.Contains(runtimeKinds, o.runtime) {
		issues = append(issues, fmt.Sprintf("unsupported runtime %q", o.runtime))
	}
	if o.parallelism < 1 {
		issues = append(issues, "parallelism must be >= 1")
	}
	if o.lease && o.leaseTTL <= 0 {
		issues = append(issues, "lease-ttl must be positive")
	}
	if len(issues) > 0 {
		return invalidConfig(fmt.Errorf("invalid flags: %s", strings.Join(issues, "; ")))
	}
	return nil
}

func newLogger(w io.Writer, format, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	handlerOpts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	case "text":
		return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
}

func (o *options) loadGraph() (*domain.PipelineGraph, error) {
	graph, err := pipeline.Load(o.pipelinePath, o.branch)
	if err != nil {
		return nil, invalidConfig(err)
	}
	return graph, nil
}

func (o *options) version() (domain.DataVersion, error) {
	v := domain.DataVersion(o.dataVersion)
	if strings.TrimSpace(o.dataVersion) == "" {
		v = domain.DefaultDataVersion(o.now())
	}
	if err := v.Validate(); err != nil {
		return "", invalidConfig(err)
	}
	return v, nil
}

func targetsOrDefault(args []string) []string {
	if len(args) == 0 {
		return []string{pipeline.DefaultTarget}
	}
	return args
}
