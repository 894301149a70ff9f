package runtimeexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

type DockerRuntime struct {
	dockerBin string
}

func NewDockerRuntime(dockerBin string) (*DockerRuntime, error) {
	dockerBin = strings.TrimSpace(dockerBin)
	if dockerBin == "" {
		dockerBin = "docker"
	}
	if _, err := exec.LookPath(dockerBin); err != nil {
		return nil, fmt.Errorf("docker binary not found: %w", err)
	}
	return &DockerRuntime{dockerBin: dockerBin}, nil
}

func (r *DockerRuntime) Kind() string {
	return "docker"
}

func (r *DockerRuntime) Submit(ctx context.Context, spec JobSpec) error {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		return errors.New("docker container name is required")
	}
	image := strings.TrimSpace(spec.Image)
	if image == "" {
		return errors.New("image is required")
	}

	args := []string{"run", "--detach", "--name", name}
	if network := strings.TrimSpace(spec.Network); network != "" {
		args = append(args, "--network", network)
	}
	if logFile := strings.TrimSpace(spec.LogFile); logFile != "" {
		// the bind target must exist as a file or docker creates a directory
		if err := touch(logFile); err != nil {
			return fmt.Errorf("prepare log file: %w", err)
		}
		args = append(args, "-v", logFile+":"+containerLogPath)
	}
	for _, key := range sortedEnvKeys(spec.Env) {
		args = append(args, "-e", key+"="+spec.Env[key])
	}
	if len(spec.Command) > 0 {
		args = append(args, "--entrypoint", spec.Command[0])
	}
	args = append(args, image)
	if len(spec.Command) > 1 {
		args = append(args, spec.Command[1:]...)
	}
	args = append(args, spec.Args...)

	cmd := exec.CommandContext(ctx, r.dockerBin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("docker run failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

type dockerInspectState struct {
	Status     string    `json:"Status"`
	ExitCode   int       `json:"ExitCode"`
	Error      string    `json:"Error"`
	FinishedAt time.Time `json:"FinishedAt"`
}

func (r *DockerRuntime) Inspect(ctx context.Context, execution Execution) (Observation, error) {
	name := strings.TrimSpace(execution.Name)
	if name == "" {
		return Observation{}, errors.New("docker container name is required")
	}

	cmd := exec.CommandContext(ctx, r.dockerBin, "inspect", "--format", "{{json .State}}", name)
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		if strings.Contains(text, "No such object") || strings.Contains(text, "not found") {
			return Observation{Status: StatusPending, Message: "container_not_found"}, nil
		}
		return Observation{}, fmt.Errorf("docker inspect failed: %w: %s", err, text)
	}

	var state dockerInspectState
	if err := json.Unmarshal(out, &state); err != nil {
		return Observation{}, fmt.Errorf("parse docker inspect: %w", err)
	}

	status := StatusPending
	message := strings.TrimSpace(state.Status)
	switch strings.ToLower(message) {
	case "running", "restarting", "paused":
		status = StatusRunning
	case "exited", "dead":
		if state.ExitCode == 0 && strings.TrimSpace(state.Error) == "" {
			status = StatusSucceeded
		} else {
			status = StatusFailed
			message = fmt.Sprintf("exit code %d", state.ExitCode)
			if e := strings.TrimSpace(state.Error); e != "" {
				message += ": " + e
			}
		}
	}

	return Observation{
		Status:  status,
		Message: message,
		Details: map[string]any{
			"docker_container": name,
			"exit_code":        state.ExitCode,
			"finished_at":      state.FinishedAt,
		},
	}, nil
}

func (r *DockerRuntime) Cleanup(ctx context.Context, execution Execution) error {
	name := strings.TrimSpace(execution.Name)
	if name == "" {
		return errors.New("docker container name is required")
	}
	cmd := exec.CommandContext(ctx, r.dockerBin, "rm", "--force", name)
	out, err := cmd.CombinedOutput()
	if err != nil {
		text := strings.TrimSpace(string(out))
		if strings.Contains(text, "No such container") {
			return nil
		}
		return fmt.Errorf("docker rm failed: %w: %s", err, text)
	}
	return nil
}

func touch(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
