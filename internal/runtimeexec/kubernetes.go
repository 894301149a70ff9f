package runtimeexec

import (
	"context"
	"errors"
	"strings"

	"github.com/animus-labs/hannibal/internal/platform/k8s"
)

type KubernetesRuntime struct {
	client         *k8s.Client
	namespace      string
	jobTTLSeconds  int32
	serviceAccount string
}

func NewKubernetesRuntime(client *k8s.Client, namespace string, jobTTLSeconds int32, serviceAccount string) (*KubernetesRuntime, error) {
	if client == nil {
		return nil, errors.New("k8s client is required")
	}
	namespace = strings.TrimSpace(namespace)
	if namespace == "" {
		namespace = strings.TrimSpace(client.Namespace())
	}
	if namespace == "" {
		return nil, errors.New("job namespace is required")
	}
	if jobTTLSeconds < 0 {
		return nil, errors.New("job ttl must be non-negative")
	}
	return &KubernetesRuntime{
		client:         client,
		namespace:      namespace,
		jobTTLSeconds:  jobTTLSeconds,
		serviceAccount: strings.TrimSpace(serviceAccount),
	}, nil
}

func (r *KubernetesRuntime) Kind() string {
	return "kubernetes_job"
}

func (r *KubernetesRuntime) jobNamespace(ns string) string {
	if ns = strings.TrimSpace(ns); ns != "" {
		return ns
	}
	return r.namespace
}

func (r *KubernetesRuntime) Submit(ctx context.Context, spec JobSpec) error {
	jobName := dnsLabel(spec.Name)
	if jobName == "" {
		return errors.New("k8s job name is required")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return errors.New("image is required")
	}
	namespace := r.jobNamespace(spec.Namespace)

	labels := map[string]string{
		"app.kubernetes.io/name":      "hannibal",
		"app.kubernetes.io/component": "stage",
		"hannibal.stage":              dnsLabel(spec.Stage),
		"hannibal.data_version":       dnsLabel(spec.Version),
	}

	container := k8s.Container{
		Name:    "mrtarget",
		Image:   spec.Image,
		Command: append([]string(nil), spec.Command...),
		Args:    append([]string(nil), spec.Args...),
	}
	for _, key := range sortedEnvKeys(spec.Env) {
		container.Env = append(container.Env, k8s.EnvVar{Name: key, Value: spec.Env[key]})
	}

	podSpec := k8s.PodSpec{
		RestartPolicy:      "Never",
		ServiceAccountName: r.serviceAccount,
		Containers:         []k8s.Container{container},
	}

	backoff := int32(0)
	var ttl *int32
	if r.jobTTLSeconds > 0 {
		ttl = &r.jobTTLSeconds
	}

	job := k8s.Job{
		APIVersion: "batch/v1",
		Kind:       "Job",
		Metadata: k8s.ObjectMeta{
			Name:      jobName,
			Namespace: namespace,
			Labels:    labels,
		},
		Spec: k8s.JobSpec{
			BackoffLimit:            &backoff,
			TTLSecondsAfterFinished: ttl,
			Template: k8s.PodTemplateSpec{
				Metadata: k8s.ObjectMeta{Labels: labels},
				Spec:     podSpec,
			},
		},
	}

	err := r.client.CreateJob(ctx, namespace, job)
	if err == nil || errors.Is(err, k8s.ErrAlreadyExists) {
		return nil
	}
	return err
}

func (r *KubernetesRuntime) Inspect(ctx context.Context, execution Execution) (Observation, error) {
	jobName := dnsLabel(execution.Name)
	if jobName == "" {
		return Observation{}, errors.New("k8s job name is required")
	}
	namespace := r.jobNamespace(execution.Namespace)

	job, err := r.client.GetJob(ctx, namespace, jobName)
	if err != nil {
		if errors.Is(err, k8s.ErrNotFound) {
			return Observation{Status: StatusPending, Message: "job_not_found"}, nil
		}
		return Observation{}, err
	}

	status := StatusPending
	message := ""
	if cond, ok := job.Condition(k8s.JobFailed); ok {
		status = StatusFailed
		message = conditionMessage(cond)
	} else if cond, ok := job.Condition(k8s.JobComplete); ok {
		status = StatusSucceeded
		message = conditionMessage(cond)
	} else if job.Status.Active > 0 {
		status = StatusRunning
	}

	return Observation{
		Status:  status,
		Message: message,
		Details: map[string]any{
			"k8s_namespace": namespace,
			"k8s_job_name":  jobName,
			"active":        job.Status.Active,
			"succeeded":     job.Status.Succeeded,
			"failed":        job.Status.Failed,
		},
	}, nil
}

func (r *KubernetesRuntime) Cleanup(ctx context.Context, execution Execution) error {
	jobName := dnsLabel(execution.Name)
	if jobName == "" {
		return errors.New("k8s job name is required")
	}
	err := r.client.DeleteJob(ctx, r.jobNamespace(execution.Namespace), jobName)
	if err == nil || errors.Is(err, k8s.ErrNotFound) {
		return nil
	}
	return err
}

func conditionMessage(cond k8s.JobCondition) string {
	if msg := strings.TrimSpace(cond.Message); msg != "" {
		return msg
	}
	return strings.TrimSpace(cond.Reason)
}
