package engine

import (
	"strings"

	"lattice/internal/config"
	"lattice/internal/domain"
)

// ValidateTransition decides whether a status change is legal. Checks run
// in order: target exists, not a self-transition, then either the
// force-override lane (reason mandatory, recorded by the caller for
// audit), the universal-target bypass, or the configured graph plus any
// completion policy gating the target.
//
// Gating is evaluated only at the moment of transition. Once a gated
// transition has succeeded, later deletion of the evidence that satisfied
// it never retroactively changes the task's status.
func ValidateTransition(cfg *config.Config, snap *domain.Snapshot, evs []domain.Event, to string, force bool, reason string) error {
	if !cfg.KnownStatus(to) {
		return domain.Errf(domain.CodeValidation, "unknown status %q", to)
	}
	if snap.Status == to {
		return domain.Errf(domain.CodeConflict, "task %s is already in status %q", snap.ID, to)
	}
	if force {
		if strings.TrimSpace(reason) == "" {
			return domain.Errf(domain.CodeValidation, "--force requires a reason for the audit trail")
		}
		return nil
	}
	if cfg.IsUniversalTarget(to) {
		return nil
	}
	allowed := cfg.Workflow.Transitions[snap.Status]
	if !containsString(allowed, to) {
		return domain.Errf(domain.CodeInvalidTransition,
			"cannot move task %s from %q to %q; allowed: %s",
			snap.ID, snap.Status, to, strings.Join(allowed, ", "))
	}
	return checkCompletionPolicy(cfg, snap, evs, to)
}

func checkCompletionPolicy(cfg *config.Config, snap *domain.Snapshot, evs []domain.Event, to string) error {
	policy, ok := cfg.Workflow.CompletionPolicies[to]
	if !ok {
		return nil
	}
	var unmet []string
	if policy.RequireAssigned && snap.AssignedTo == "" {
		unmet = append(unmet, "task must be assigned")
	}
	if len(policy.RequireRoles) > 0 {
		roles := validEvidenceRoles(evs)
		for _, required := range policy.RequireRoles {
			if !roles[required] {
				unmet = append(unmet, "missing evidence with role "+required)
			}
		}
	}
	if len(unmet) > 0 {
		return domain.Errf(domain.CodeCompletionBlocked,
			"cannot enter %q: %s", to, strings.Join(unmet, "; "))
	}
	return nil
}

// validEvidenceRoles collects the role tags carried by still-valid
// evidence: comments that have not been deleted, and attached artifacts
// (which have no deletion path).
func validEvidenceRoles(evs []domain.Event) map[string]bool {
	roles := map[string]bool{}
	byID, _ := flatComments(evs)
	for _, c := range byID {
		if c.Role != "" && !c.Deleted {
			roles[c.Role] = true
		}
	}
	for _, ev := range evs {
		if ev.Type == domain.TypeArtifactAttached && ev.Data.Role != "" {
			roles[ev.Data.Role] = true
		}
	}
	return roles
}
