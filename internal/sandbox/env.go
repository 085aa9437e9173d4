package sandbox

import (
	"sort"
	"strings"

	"github.com/jkaninda/toolgate/internal/domain"
)

const defaultPath = "/usr/local/bin:/usr/bin:/bin"

// baseEnvKeys are always carried from the host into a restricted child
// environment: the search path plus locale and runtime essentials.
var baseEnvKeys = []string{
	"PATH",
	"HOME",
	"TMPDIR",
	"TERM",
	"TZ",
	"LANG",
	"LANGUAGE",
	"LC_ALL",
	"LC_CTYPE",
	"LC_MESSAGES",
	// Windows needs these to start most binaries.
	"SYSTEMROOT",
	"COMSPEC",
	"PATHEXT",
}

// blockedEnvPrefixes are never passed to a restricted child, even when
// allowlisted: they let the caller inject code into every spawned binary.
var blockedEnvPrefixes = []string{"LD_", "DYLD_"}

// BuildEnv computes the child environment.
//
// With policy.AllowShell the full inherited environment is passed through,
// overlaid with requestEnv. Otherwise the child starts empty and receives
// PATH, the base locale/runtime variables, and every allowlisted name taken
// from requestEnv first and the inherited environment second. Names outside
// the allowlist are dropped even when present in requestEnv. overrides
// (from the sandbox provider) are applied last in both modes.
func BuildEnv(policy domain.ToolPolicy, requestEnv map[string]string, inherited []string, overrides map[string]string) []string {
	host := envMap(inherited)
	env := make(map[string]string)

	if policy.AllowShell {
		for k, v := range host {
			env[k] = v
		}
		for k, v := range requestEnv {
			env[k] = v
		}
	} else {
		for _, k := range baseEnvKeys {
			if v, ok := host[k]; ok {
				env[k] = v
			}
		}
		if env["PATH"] == "" {
			env["PATH"] = defaultPath
		}
		for _, k := range policy.EnvAllowlist {
			if k == "" || isBlockedEnv(k) {
				continue
			}
			if v, ok := requestEnv[k]; ok {
				env[k] = v
			} else if v, ok := host[k]; ok {
				env[k] = v
			}
		}
	}

	for k, v := range overrides {
		env[k] = v
	}

	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

func envMap(environ []string) map[string]string {
	m := make(map[string]string, len(environ))
	for _, kv := range environ {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			continue
		}
		m[k] = v
	}
	return m
}

func isBlockedEnv(name string) bool {
	upper := strings.ToUpper(name)
	for _, p := range blockedEnvPrefixes {
		if strings.HasPrefix(upper, p) {
			return true
		}
	}
	return false
}
