package abac

import (
	"testing"
)

func TestConflictDetectorReportsOpposingOverlap(t *testing.T) {
	d := NewConflictDetector(newFakeClock())
	permit := mustActivePolicy(t, "allow-read", `permit(principal, action == "read", resource.type == "document")`)
	forbid := mustActivePolicy(t, "deny-read", `forbid(principal, action == "read", resource.type == "document")`)

	reports := d.Detect(forbid, []*Policy{permit, forbid})
	if len(reports) != 1 {
		t.Fatalf("expected one report, got %d", len(reports))
	}
	if reports[0].PolicyA != "deny-read" || reports[0].PolicyB != "allow-read" {
		t.Fatalf("unexpected pair %+v", reports[0])
	}
}

func TestConflictDetectorSilence(t *testing.T) {
	d := NewConflictDetector(newFakeClock())
	cases := []struct {
		name    string
		changed string
		other   string
	}{
		{
			"same effect",
			`permit(principal, action == "read", resource.type == "document")`,
			`permit(principal, action == "write", resource.type == "document")`,
		},
		{
			"disjoint actions",
			`forbid(principal, action == "delete", resource.type == "document")`,
			`permit(principal, action == "read", resource.type == "document")`,
		},
		{
			"disjoint resource types",
			`forbid(principal, action == "read", resource.type == "pipeline")`,
			`permit(principal, action == "read", resource.type == "document")`,
		},
		{
			"disjoint principals",
			`forbid(principal.role == "contractor", action == "read", resource.type == "document")`,
			`permit(principal.role == "admin", action == "read", resource.type == "document")`,
		},
		{
			"provably disjoint conditions",
			`forbid(principal, action == "read", resource.type == "document") when { resource.classification == "secret" }`,
			`permit(principal, action == "read", resource.type == "document") when { resource.classification == "public" }`,
		},
		{
			"complex condition stays silent",
			`forbid(principal, action == "read", resource.type == "document") when { principal.clearance < 2 && context.mfa == false }`,
			`permit(principal, action == "read", resource.type == "document")`,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			changed := mustActivePolicy(t, "changed", tc.changed)
			other := mustActivePolicy(t, "other", tc.other)
			if reports := d.Detect(changed, []*Policy{other}); len(reports) != 0 {
				t.Fatalf("expected silence, got %+v", reports[0])
			}
		})
	}
}

func TestConflictDetectorIdenticalConditionsOverlap(t *testing.T) {
	d := NewConflictDetector(newFakeClock())
	changed := mustActivePolicy(t, "deny-secret", `forbid(principal, action == "read", resource.type == "document") when { resource.classification == "secret" }`)
	other := mustActivePolicy(t, "allow-secret", `permit(principal, action == "read", resource.type == "document") when { resource.classification == "secret" }`)
	if reports := d.Detect(changed, []*Policy{other}); len(reports) != 1 {
		t.Fatalf("identical conditions on opposing effects must report, got %d", len(reports))
	}
}
