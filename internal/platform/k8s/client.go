package k8s

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	defaultTokenFile     = "/var/run/secrets/kubernetes.io/serviceaccount/token"
	defaultNamespaceFile = "/var/run/secrets/kubernetes.io/serviceaccount/namespace"
	defaultCAFile        = "/var/run/secrets/kubernetes.io/serviceaccount/ca.crt"
)

var (
	ErrNotFound      = errors.New("kubernetes resource not found")
	ErrAlreadyExists = errors.New("kubernetes resource already exists")
	ErrUnauthorized  = errors.New("kubernetes request unauthorized")
	ErrForbidden     = errors.New("kubernetes request forbidden")
)

type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	body := strings.TrimSpace(e.Body)
	if body == "" {
		return fmt.Sprintf("kubernetes api error (status=%d)", e.StatusCode)
	}
	return fmt.Sprintf("kubernetes api error (status=%d): %s", e.StatusCode, body)
}

// Client speaks the batch/v1 Jobs REST API directly.
type Client struct {
	baseURL   string
	token     string
	namespace string
	http      *http.Client
}

// NewClient builds a client for an explicit API server, e.g. a proxy or a test server.
func NewClient(baseURL, token, namespace string, httpClient *http.Client) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("kubernetes api url is required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return nil, errors.New("kubernetes namespace is required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{
		baseURL:   baseURL,
		token:     strings.TrimSpace(token),
		namespace: namespace,
		http:      httpClient,
	}, nil
}

func NewInClusterClient() (*Client, error) {
	host := strings.TrimSpace(os.Getenv("KUBERNETES_SERVICE_HOST"))
	port := strings.TrimSpace(os.Getenv("KUBERNETES_SERVICE_PORT"))
	baseURL := "https://kubernetes.default.svc"
	if host != "" {
		if port == "" {
			port = "443"
		}
		baseURL = "https://" + host + ":" + port
	}

	tokenBytes, err := os.ReadFile(defaultTokenFile)
	if err != nil {
		return nil, fmt.Errorf("read serviceaccount token: %w", err)
	}
	token := strings.TrimSpace(string(tokenBytes))
	if token == "" {
		return nil, errors.New("serviceaccount token is empty")
	}

	namespaceBytes, err := os.ReadFile(defaultNamespaceFile)
	if err != nil {
		return nil, fmt.Errorf("read serviceaccount namespace: %w", err)
	}

	caBytes, err := os.ReadFile(defaultCAFile)
	if err != nil {
		return nil, fmt.Errorf("read serviceaccount ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, errors.New("invalid serviceaccount ca bundle")
	}

	transport := &http.Transport{
		TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
	}
	return NewClient(baseURL, token, string(namespaceBytes), &http.Client{
		Transport: transport,
		Timeout:   15 * time.Second,
	})
}

func (c *Client) Namespace() string {
	return c.namespace
}

func (c *Client) CreateJob(ctx context.Context, namespace string, job Job) error {
	namespace = c.resolveNamespace(namespace)
	job.APIVersion = "batch/v1"
	job.Kind = "Job"
	job.Metadata.Namespace = namespace

	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.jobsURL(namespace, ""), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, nil)
}

func (c *Client) GetJob(ctx context.Context, namespace string, name string) (Job, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Job{}, errors.New("job name is required")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jobsURL(c.resolveNamespace(namespace), name), nil)
	if err != nil {
		return Job{}, err
	}
	var out Job
	if err := c.do(req, &out); err != nil {
		return Job{}, err
	}
	return out, nil
}

// DeleteJob removes a Job together with its pods.
func (c *Client) DeleteJob(ctx context.Context, namespace string, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("job name is required")
	}
	endpoint := c.jobsURL(c.resolveNamespace(namespace), name) + "?" + url.Values{"propagationPolicy": {"Background"}}.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

func (c *Client) resolveNamespace(namespace string) string {
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		return c.namespace
	}
	return namespace
}

func (c *Client) jobsURL(namespace, name string) string {
	path := fmt.Sprintf("/apis/batch/v1/namespaces/%s/jobs", url.PathEscape(namespace))
	if name != "" {
		path += "/" + url.PathEscape(name)
	}
	return c.baseURL + path
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return err
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted:
		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode kubernetes response: %w", err)
		}
		return nil
	case http.StatusConflict:
		return ErrAlreadyExists
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	default:
		return &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}
}
