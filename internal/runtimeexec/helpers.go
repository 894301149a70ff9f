package runtimeexec

import (
	"regexp"
	"sort"
	"strings"
)

const (
	envESNodes     = "ELASTICSEARCH_NODES"
	envESNodesPub  = "ELASTICSEARCH_NODES_PUB"
	envDumpFolder  = "CTTV_DUMP_FOLDER"
	envDataVersion = "CTTV_DATA_VERSION"

	containerLogPath = "/usr/src/app/output.log"
)

func isReservedJobEnvKey(key string) bool {
	switch strings.ToUpper(strings.TrimSpace(key)) {
	case envESNodes, envESNodesPub, envDumpFolder, envDataVersion:
		return true
	default:
		return false
	}
}

var nonEnvChars = regexp.MustCompile(`[^A-Z0-9_]+`)

// paramEnvKey maps a free-form stage param to an environment variable name.
func paramEnvKey(key string) string {
	return "HANNIBAL_PARAM_" + nonEnvChars.ReplaceAllString(strings.ToUpper(strings.TrimSpace(key)), "_")
}

func sortedEnvKeys(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		key := strings.TrimSpace(k)
		if key == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

var nonContainerChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// containerName keeps the characters docker accepts in a container name.
func containerName(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(nonContainerChars.ReplaceAllString(p, "-"), "-")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, "-")
}

var nonDNSChars = regexp.MustCompile(`[^a-z0-9-]+`)

// dnsLabel turns a name into an RFC 1123 label of at most 63 characters.
func dnsLabel(name string) string {
	out := nonDNSChars.ReplaceAllString(strings.ToLower(name), "-")
	out = strings.Trim(out, "-")
	if len(out) > 63 {
		out = strings.Trim(out[len(out)-63:], "-")
	}
	return out
}
