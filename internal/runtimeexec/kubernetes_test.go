package runtimeexec

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/animus-labs/hannibal/internal/platform/k8s"
)

const jobsPath = "/apis/batch/v1/namespaces/pipelines/jobs"

func newKubernetesRuntime(t *testing.T, handler http.HandlerFunc) *KubernetesRuntime {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := k8s.NewClient(srv.URL, "token", "pipelines", srv.Client())
	require.NoError(t, err)
	rt, err := NewKubernetesRuntime(client, "", 600, "mrtarget")
	require.NoError(t, err)
	return rt
}

func TestKubernetesRuntimeSubmit(t *testing.T) {
	var created k8s.Job
	rt := newKubernetesRuntime(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != jobsPath {
			http.NotFound(w, r)
			return
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&created))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{}`))
	})
	assert.Equal(t, "kubernetes_job", rt.Kind())

	err := rt.Submit(context.Background(), JobSpec{
		Stage:   "uniprot",
		Version: "17.12",
		Name:    "mrT-master-uni-0001",
		Image:   "eu.gcr.io/open-targets/mrtarget:master",
		Command: []string{"mrtarget"},
		Args:    []string{"--uni"},
		Env:     map[string]string{"CTTV_DATA_VERSION": "17.12", "CTTV_DUMP_FOLDER": "/tmp/data"},
	})
	require.NoError(t, err)

	assert.Equal(t, "mrt-master-uni-0001", created.Metadata.Name)
	assert.Equal(t, "pipelines", created.Metadata.Namespace)
	assert.Equal(t, "uniprot", created.Metadata.Labels["hannibal.stage"])
	assert.Equal(t, "17-12", created.Metadata.Labels["hannibal.data_version"])
	require.NotNil(t, created.Spec.BackoffLimit)
	assert.Equal(t, int32(0), *created.Spec.BackoffLimit)
	require.NotNil(t, created.Spec.TTLSecondsAfterFinished)
	assert.Equal(t, int32(600), *created.Spec.TTLSecondsAfterFinished)

	pod := created.Spec.Template.Spec
	assert.Equal(t, "Never", pod.RestartPolicy)
	assert.Equal(t, "mrtarget", pod.ServiceAccountName)
	require.Len(t, pod.Containers, 1)
	c := pod.Containers[0]
	assert.Equal(t, []string{"mrtarget"}, c.Command)
	assert.Equal(t, []string{"--uni"}, c.Args)
	assert.Equal(t, []k8s.EnvVar{
		{Name: "CTTV_DATA_VERSION", Value: "17.12"},
		{Name: "CTTV_DUMP_FOLDER", Value: "/tmp/data"},
	}, c.Env)
}

func TestKubernetesRuntimeSubmitAlreadyExists(t *testing.T) {
	rt := newKubernetesRuntime(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	})
	assert.NoError(t, rt.Submit(context.Background(), JobSpec{Name: "job", Image: "img"}))
}

func TestKubernetesRuntimeInspect(t *testing.T) {
	tests := []struct {
		name    string
		status  k8s.JobStatus
		want    string
		message string
	}{
		{name: "pending", status: k8s.JobStatus{}, want: StatusPending},
		{name: "running", status: k8s.JobStatus{Active: 1}, want: StatusRunning},
		{
			name:    "complete",
			status:  k8s.JobStatus{Succeeded: 1, Conditions: []k8s.JobCondition{{Type: k8s.JobComplete, Status: "True", Reason: "Completed"}}},
			want:    StatusSucceeded,
			message: "Completed",
		},
		{
			name:    "failed",
			status:  k8s.JobStatus{Failed: 1, Conditions: []k8s.JobCondition{{Type: k8s.JobFailed, Status: "True", Reason: "BackoffLimitExceeded", Message: "Job has reached the specified backoff limit"}}},
			want:    StatusFailed,
			message: "Job has reached the specified backoff limit",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := newKubernetesRuntime(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, jobsPath+"/mrt-master-uni-0001", r.URL.Path)
				_ = json.NewEncoder(w).Encode(k8s.Job{Status: tt.status})
			})
			obs, err := rt.Inspect(context.Background(), Execution{Name: "mrT-master-uni-0001"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, obs.Status)
			assert.Equal(t, tt.message, obs.Message)
		})
	}
}

func TestKubernetesRuntimeInspectMissingJobIsPending(t *testing.T) {
	rt := newKubernetesRuntime(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	obs, err := rt.Inspect(context.Background(), Execution{Name: "gone"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, obs.Status)
}

func TestKubernetesRuntimeCleanup(t *testing.T) {
	var deleted string
	rt := newKubernetesRuntime(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted = r.URL.Path
			w.WriteHeader(http.StatusOK)
			return
		}
		http.NotFound(w, r)
	})
	require.NoError(t, rt.Cleanup(context.Background(), Execution{Name: "mrT-master-uni-0001"}))
	assert.Equal(t, jobsPath+"/mrt-master-uni-0001", deleted)

	assert.NoError(t, rt.Cleanup(context.Background(), Execution{Name: "missing", Namespace: "other"}))
}

func TestNewKubernetesRuntimeValidates(t *testing.T) {
	_, err := NewKubernetesRuntime(nil, "ns", 0, "")
	assert.Error(t, err)

	client, err := k8s.NewClient("http://127.0.0.1:1", "", "pipelines", nil)
	require.NoError(t, err)
	_, err = NewKubernetesRuntime(client, "", -1, "")
	assert.Error(t, err)
}
