package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/animus-labs/hannibal/internal/domain"
	"github.com/animus-labs/hannibal/internal/platform/env"
)

// Service freezes the indices written for one data version.
type Service interface {
	Snapshot(ctx context.Context, version domain.DataVersion, indexPattern string) error
}

const (
	defaultURL     = "http://127.0.0.1:9200"
	defaultTimeout = 2 * time.Hour
	nameLayout     = "060102-1504"
)

type Config struct {
	URL        string
	Repository string
	// Timeout bounds one snapshot request, which waits for completion.
	Timeout time.Duration
}

func ConfigFromEnv() (Config, error) {
	timeout, err := env.Duration("HANNIBAL_SNAPSHOT_TIMEOUT", defaultTimeout)
	if err != nil {
		return Config{}, err
	}
	repository := env.String("HANNIBAL_SNAPSHOT_REPOSITORY", "")
	if strings.TrimSpace(repository) == "" {
		repository = env.String("INSTANCE_NAME", "")
	}
	cfg := Config{
		URL:        env.String("HANNIBAL_SNAPSHOT_URL", defaultURL),
		Repository: repository,
		Timeout:    timeout,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	u, err := url.Parse(strings.TrimSpace(c.URL))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("HANNIBAL_SNAPSHOT_URL is invalid: %q", c.URL)
	}
	if strings.TrimSpace(c.Repository) == "" {
		return errors.New("HANNIBAL_SNAPSHOT_REPOSITORY is required")
	}
	if strings.ContainsAny(c.Repository, "/ ") {
		return fmt.Errorf("HANNIBAL_SNAPSHOT_REPOSITORY is invalid: %q", c.Repository)
	}
	if c.Timeout <= 0 {
		return errors.New("HANNIBAL_SNAPSHOT_TIMEOUT must be positive")
	}
	return nil
}

// Elasticsearch takes snapshots through the _snapshot API of a cluster.
type Elasticsearch struct {
	baseURL    string
	repository string
	http       *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

func NewElasticsearch(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Elasticsearch, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Elasticsearch{
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		repository: strings.TrimSpace(cfg.Repository),
		http:       httpClient,
		logger:     logger,
		now:        time.Now,
	}, nil
}

// Name is the snapshot name used for version at the given time.
func Name(version domain.DataVersion, at time.Time) string {
	return strings.ToLower(fmt.Sprintf("%s-%s", version, at.UTC().Format(nameLayout)))
}

type snapshotRequest struct {
	Indices            string `json:"indices"`
	IgnoreUnavailable  bool   `json:"ignore_unavailable"`
	IncludeGlobalState bool   `json:"include_global_state"`
}

type snapshotResponse struct {
	Snapshot struct {
		Snapshot string   `json:"snapshot"`
		State    string   `json:"state"`
		Indices  []string `json:"indices"`
		Failures []any    `json:"failures"`
	} `json:"snapshot"`
}

func (e *Elasticsearch) Snapshot(ctx context.Context, version domain.DataVersion, indexPattern string) error {
	if err := version.Validate(); err != nil {
		return err
	}
	indexPattern = strings.TrimSpace(indexPattern)
	if indexPattern == "" {
		indexPattern = string(version) + "*"
	}
	name := Name(version, e.now())

	body, err := json.Marshal(snapshotRequest{Indices: indexPattern, IgnoreUnavailable: true})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/_snapshot/%s/%s?wait_for_completion=true",
		e.baseURL, url.PathEscape(e.repository), url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	started := time.Now()
	e.logger.InfoContext(ctx, "snapshot started", "version", version, "snapshot", name, "indices", indexPattern)

	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("snapshot %s: %w", name, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("snapshot %s: read response: %w", name, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("snapshot %s: elasticsearch returned %d: %s", name, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var out snapshotResponse
	if len(bytes.TrimSpace(payload)) > 0 {
		if err := json.Unmarshal(payload, &out); err != nil {
			return fmt.Errorf("snapshot %s: decode response: %w", name, err)
		}
	}
	switch strings.ToUpper(out.Snapshot.State) {
	case "FAILED", "PARTIAL":
		return fmt.Errorf("snapshot %s finished in state %s", name, out.Snapshot.State)
	}

	e.logger.InfoContext(ctx, "snapshot finished",
		"version", version,
		"snapshot", name,
		"state", out.Snapshot.State,
		"indices", len(out.Snapshot.Indices),
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return nil
}
