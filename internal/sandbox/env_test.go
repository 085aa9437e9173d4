package sandbox

import (
	"testing"

	"github.com/jkaninda/toolgate/internal/domain"
)

func TestBuildEnv(t *testing.T) {
	inherited := []string{
		"PATH=/opt/bin:/usr/bin",
		"LANG=en_US.UTF-8",
		"HOME=/home/dev",
		"AWS_SECRET_ACCESS_KEY=hunter2",
		"NODE_ENV=production",
		"LD_PRELOAD=/tmp/evil.so",
		"MALFORMED",
	}
	requestEnv := map[string]string{
		"MY_SECRET":   "x",
		"NODE_ENV":    "dev",
		"OTHER_TOKEN": "y",
	}

	tests := []struct {
		name     string
		policy   domain.ToolPolicy
		inherit  []string
		override map[string]string
		want     map[string]string
		absent   []string
	}{
		{
			name: "restricted keeps allowlist only",
			policy: domain.ToolPolicy{
				EnvAllowlist: []string{"MY_SECRET", "NODE_ENV", "LD_PRELOAD"},
			},
			inherit: inherited,
			want: map[string]string{
				"PATH":      "/opt/bin:/usr/bin",
				"LANG":      "en_US.UTF-8",
				"HOME":      "/home/dev",
				"MY_SECRET": "x",
				"NODE_ENV":  "dev", // request wins over inherited
			},
			absent: []string{"OTHER_TOKEN", "AWS_SECRET_ACCESS_KEY", "LD_PRELOAD", "MALFORMED"},
		},
		{
			name:    "allowlisted name falls back to inherited",
			policy:  domain.ToolPolicy{EnvAllowlist: []string{"AWS_SECRET_ACCESS_KEY"}},
			inherit: inherited,
			want:    map[string]string{"AWS_SECRET_ACCESS_KEY": "hunter2"},
			absent:  []string{"MY_SECRET", "NODE_ENV"},
		},
		{
			name:    "default PATH when host has none",
			policy:  domain.ToolPolicy{},
			inherit: []string{"FOO=bar"},
			want:    map[string]string{"PATH": defaultPath},
			absent:  []string{"FOO"},
		},
		{
			name:    "allow shell passes everything through",
			policy:  domain.ToolPolicy{AllowShell: true},
			inherit: inherited,
			want: map[string]string{
				"AWS_SECRET_ACCESS_KEY": "hunter2",
				"OTHER_TOKEN":           "y",
				"NODE_ENV":              "dev",
				"LD_PRELOAD":            "/tmp/evil.so",
			},
		},
		{
			name:     "provider overrides win",
			policy:   domain.ToolPolicy{EnvAllowlist: []string{"NODE_ENV"}},
			inherit:  inherited,
			override: map[string]string{"NODE_ENV": "sandbox", "HOME": "/home/sandbox"},
			want:     map[string]string{"NODE_ENV": "sandbox", "HOME": "/home/sandbox"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := envMap(BuildEnv(tc.policy, requestEnv, tc.inherit, tc.override))
			for k, v := range tc.want {
				if got[k] != v {
					t.Errorf("%s = %q, want %q", k, got[k], v)
				}
			}
			for _, k := range tc.absent {
				if _, ok := got[k]; ok {
					t.Errorf("%s present, want absent", k)
				}
			}
		})
	}
}

func TestBuildEnv_Sorted(t *testing.T) {
	env := BuildEnv(domain.ToolPolicy{AllowShell: true}, nil, []string{"B=2", "A=1", "C=3"}, nil)
	want := []string{"A=1", "B=2", "C=3"}
	if len(env) != len(want) {
		t.Fatalf("env = %q", env)
	}
	for i := range want {
		if env[i] != want[i] {
			t.Errorf("env[%d] = %q, want %q", i, env[i], want[i])
		}
	}
}
