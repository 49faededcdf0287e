package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestFromYAMLValid(t *testing.T) {
	cfg, err := FromYAML([]byte(`
project:
  id: proj-1
voting:
  leaderboard_ttl: 30s
  min_sample: 5
  stall_timeout: 2h
rewards:
  enabled: true
  amount: 10
  currency: USDC
  treasury: treasury-wallet
webhooks:
  - url: https://example.com/hook
    events: [task.resolved]
    secret: shh
`))
	if err != nil {
		t.Fatalf("FromYAML: %v", err)
	}
	if cfg.Project.ID != "proj-1" {
		t.Fatalf("project id = %q", cfg.Project.ID)
	}
	if got := cfg.LeaderboardTTL(); got != 30*time.Second {
		t.Fatalf("leaderboard ttl = %v", got)
	}
	if got := cfg.MinSample(); got != 5 {
		t.Fatalf("min sample = %d", got)
	}
	if got := cfg.StallTimeout(); got != 2*time.Hour {
		t.Fatalf("stall timeout = %v", got)
	}
	if len(cfg.Webhooks) != 1 || cfg.Webhooks[0].URL != "https://example.com/hook" {
		t.Fatalf("webhooks = %+v", cfg.Webhooks)
	}
}

func TestValidateFailures(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing project id",
			yaml: "voting:\n  min_sample: 3\n",
			want: "project.id is required",
		},
		{
			name: "negative min sample",
			yaml: "project:\n  id: p\nvoting:\n  min_sample: -1\n",
			want: "min_sample must not be negative",
		},
		{
			name: "bad leaderboard ttl",
			yaml: "project:\n  id: p\nvoting:\n  leaderboard_ttl: soon\n",
			want: "leaderboard_ttl",
		},
		{
			name: "bad stall timeout",
			yaml: "project:\n  id: p\nvoting:\n  stall_timeout: tomorrow\n",
			want: "stall_timeout",
		},
		{
			name: "rewards enabled without amount",
			yaml: "project:\n  id: p\nrewards:\n  enabled: true\n  treasury: t\n",
			want: "rewards.amount must be positive",
		},
		{
			name: "rewards enabled without treasury",
			yaml: "project:\n  id: p\nrewards:\n  enabled: true\n  amount: 5\n",
			want: "rewards.treasury is required",
		},
		{
			name: "webhook without url",
			yaml: "project:\n  id: p\nwebhooks:\n  - events: [task.resolved]\n",
			want: "webhooks[0].url is required",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestAccessorDefaults(t *testing.T) {
	var cfg Config
	cfg.Project.ID = "p"
	if got := cfg.LeaderboardTTL(); got != 5*time.Minute {
		t.Fatalf("default leaderboard ttl = %v", got)
	}
	if got := cfg.MinSample(); got != 3 {
		t.Fatalf("default min sample = %d", got)
	}
	if got := cfg.StallTimeout(); got != 0 {
		t.Fatalf("default stall timeout = %v", got)
	}
}

func TestDefaultTemplateIsValid(t *testing.T) {
	cfg, err := FromYAML([]byte(GenerateDefault("proj-default")))
	if err != nil {
		t.Fatalf("default template invalid: %v", err)
	}
	if cfg.Project.ID != "proj-default" {
		t.Fatalf("project id = %q", cfg.Project.ID)
	}
	if cfg.Rewards.Enabled {
		t.Fatal("rewards should be off by default")
	}
	if got := cfg.StallTimeout(); got != 24*time.Hour {
		t.Fatalf("default stall timeout = %v", got)
	}
}

func TestLoadOptional(t *testing.T) {
	workspace := t.TempDir()

	cfg, err := LoadOptional(workspace)
	if err != nil {
		t.Fatalf("LoadOptional on empty workspace: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil config when file is absent")
	}

	if err := os.WriteFile(filepath.Join(workspace, "quorum.yml"), []byte(GenerateDefault("proj-x")), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = LoadOptional(workspace)
	if err != nil {
		t.Fatalf("LoadOptional: %v", err)
	}
	if cfg == nil || cfg.Project.ID != "proj-x" {
		t.Fatalf("cfg = %+v", cfg)
	}
}

func TestLoadMissingFileError(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "qm config init") {
		t.Fatalf("err = %v", err)
	}
}
