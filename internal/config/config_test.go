package config

import (
	"path/filepath"
	"strings"
	"testing"

	"lattice/internal/domain"
	"lattice/internal/storage"
)

func testRoot(t *testing.T) storage.Root {
	t.Helper()
	root := storage.NewRoot(filepath.Join(t.TempDir(), storage.MarkerDir))
	if err := root.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	return root
}

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	root := testRoot(t)
	cfg := Default()
	cfg.InstanceName = "demo"
	cfg.DefaultActor = "human:alice"
	cfg.ProjectCode = "LAT"
	if err := cfg.Save(root); err != nil {
		t.Fatalf("Save: %v", err)
	}
	back, err := Load(root)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if back.InstanceName != "demo" || back.DefaultActor != "human:alice" || back.ProjectCode != "LAT" {
		t.Fatalf("round trip lost fields: %+v", back)
	}
	if len(back.Workflow.Statuses) != len(cfg.Workflow.Statuses) {
		t.Fatalf("workflow lost: %+v", back.Workflow)
	}
}

func TestLoadMissingConfig(t *testing.T) {
	root := testRoot(t)
	_, err := Load(root)
	if err == nil {
		t.Fatal("expected error for missing config.json")
	}
	if domain.CodeOf(err) != domain.CodeNotFound {
		t.Fatalf("code = %s, want %s", domain.CodeOf(err), domain.CodeNotFound)
	}
}

func TestValidateRejectsUnknownTransitionTarget(t *testing.T) {
	cfg := Default()
	cfg.Workflow.Transitions["backlog"] = append(cfg.Workflow.Transitions["backlog"], "nonexistent")
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "nonexistent") {
		t.Fatalf("error should name the bad status: %v", err)
	}
}

func TestValidateRejectsPolicyOnUnknownStatus(t *testing.T) {
	cfg := Default()
	cfg.Workflow.CompletionPolicies = map[string]CompletionPolicy{
		"shipped": {RequireRoles: []string{"reviewer"}},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for policy on unknown status")
	}
}

func TestUniversalTargets(t *testing.T) {
	cfg := Default()
	cfg.Workflow.UniversalTargets = []string{"cancelled"}
	if !cfg.IsUniversalTarget("cancelled") {
		t.Fatal("cancelled should be a universal target")
	}
	if cfg.IsUniversalTarget("done") {
		t.Fatal("done should not be a universal target")
	}
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.DefaultActor = "agent:runner"
	cfg.Workflow.CompletionPolicies = map[string]CompletionPolicy{
		"done": {RequireRoles: []string{"reviewer"}, RequireAssigned: true},
	}
	data, err := cfg.ToYAML()
	if err != nil {
		t.Fatalf("ToYAML: %v", err)
	}
	back, err := FromYAML(data)
	if err != nil {
		t.Fatalf("FromYAML: %v", err)
	}
	if back.DefaultActor != "agent:runner" {
		t.Fatalf("actor lost: %+v", back)
	}
	policy, ok := back.Workflow.CompletionPolicies["done"]
	if !ok || !policy.RequireAssigned || len(policy.RequireRoles) != 1 {
		t.Fatalf("completion policy lost: %+v", back.Workflow.CompletionPolicies)
	}
}

func TestFromYAMLRejectsGarbage(t *testing.T) {
	if _, err := FromYAML([]byte("::: not yaml")); err == nil {
		t.Fatal("expected error for invalid yaml")
	}
}
