package runtimeexec

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/animus-labs/hannibal/internal/domain"
	"github.com/animus-labs/hannibal/internal/platform/env"
)

const (
	DefaultImageRepo  = "eu.gcr.io/open-targets/mrtarget"
	DefaultEntrypoint = "mrtarget"
	DefaultESURL      = "http://elasticsearch:9200"
	DefaultDumpFolder = "/tmp/data"
	DefaultNetwork    = "esnet"
)

// JobTemplate turns a stage into a JobSpec: image <repo>:<branch>, command
// <entrypoint> <args...>, and the environment mrtarget expects.
type JobTemplate struct {
	ImageRepo  string
	Entrypoint string
	ESNodes    string
	ESNodesPub string
	DumpFolder string
	// LogDir holds one mrtarget_<flag>.log per stage on the host. Empty disables log binds.
	LogDir    string
	Network   string
	Namespace string
}

func DefaultJobTemplate() JobTemplate {
	return JobTemplate{
		ImageRepo:  DefaultImageRepo,
		Entrypoint: DefaultEntrypoint,
		ESNodes:    DefaultESURL,
		ESNodesPub: DefaultESURL,
		DumpFolder: DefaultDumpFolder,
		Network:    DefaultNetwork,
	}
}

func TemplateFromEnv() (JobTemplate, error) {
	esNodes := env.String("HANNIBAL_ES_NODES", DefaultESURL)
	esNodesPub := env.String("HANNIBAL_ES_NODES_PUB", "")
	if strings.TrimSpace(esNodesPub) == "" {
		esNodesPub = esNodes
	}
	t := JobTemplate{
		ImageRepo:  env.String("HANNIBAL_IMAGE_REPO", DefaultImageRepo),
		Entrypoint: env.String("HANNIBAL_ENTRYPOINT", DefaultEntrypoint),
		ESNodes:    esNodes,
		ESNodesPub: esNodesPub,
		DumpFolder: env.String("HANNIBAL_DUMP_FOLDER", DefaultDumpFolder),
		LogDir:     env.String("HANNIBAL_LOG_DIR", ""),
		Network:    env.String("HANNIBAL_DOCKER_NETWORK", DefaultNetwork),
		Namespace:  env.String("HANNIBAL_K8S_NAMESPACE", ""),
	}
	if err := t.Validate(); err != nil {
		return JobTemplate{}, err
	}
	return t, nil
}

func (t JobTemplate) Validate() error {
	if strings.TrimSpace(t.ImageRepo) == "" {
		return errors.New("HANNIBAL_IMAGE_REPO is required")
	}
	if strings.TrimSpace(t.Entrypoint) == "" {
		return errors.New("HANNIBAL_ENTRYPOINT is required")
	}
	if strings.TrimSpace(t.ESNodes) == "" {
		return errors.New("HANNIBAL_ES_NODES is required")
	}
	return nil
}

// Build resolves the JobSpec for one run of stage. suffix keeps names of
// repeated runs apart.
func (t JobTemplate) Build(stage domain.StageSpec, version domain.DataVersion, suffix string) (JobSpec, error) {
	args := stage.Args()
	if len(args) == 0 {
		return JobSpec{}, fmt.Errorf("stage %q has no %s param", stage.ID, domain.ParamArgs)
	}
	branch, _ := stage.Param(domain.ParamBranch)
	branch = strings.TrimSpace(branch)
	if branch == "" {
		branch = "master"
	}
	flag := strings.TrimLeft(args[0], "-")

	envVars := map[string]string{
		envESNodes:     t.ESNodes,
		envESNodesPub:  t.ESNodesPub,
		envDumpFolder:  t.DumpFolder,
		envDataVersion: string(version),
	}
	for _, p := range stage.Params {
		switch p.Key {
		case domain.ParamArgs, domain.ParamBranch, domain.ParamDataVersion:
			continue
		}
		if isReservedJobEnvKey(p.Key) {
			continue
		}
		envVars[paramEnvKey(p.Key)] = p.Value
	}

	spec := JobSpec{
		Stage:     stage.ID,
		Version:   string(version),
		Name:      containerName("mrT", branch, flag, suffix),
		Image:     t.ImageRepo + ":" + branch,
		Command:   []string{t.Entrypoint},
		Args:      args,
		Env:       envVars,
		Network:   t.Network,
		Namespace: t.Namespace,
	}
	if strings.TrimSpace(t.LogDir) != "" {
		spec.LogFile = filepath.Join(t.LogDir, "mrtarget_"+flag+".log")
	}
	return spec, nil
}
