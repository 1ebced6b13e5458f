package policy

import (
	"context"
	"testing"

	"halforge/internal/domain"
)

func TestAllowedByKind(t *testing.T) {
	engine := New(map[domain.TaskKind][]string{
		domain.TaskKindBackend: {"backend/**", "openapi/*.yaml"},
	})
	tests := []struct {
		kind   domain.TaskKind
		target string
		want   bool
	}{
		{domain.TaskKindAIDL, "aidl/hvac/IHvacProperties.aidl", true},
		{domain.TaskKindAIDL, "./aidl/hvac/IHvacProperties.aidl", true},
		{domain.TaskKindAIDL, "vhal/hvac/HvacPropertyStore.cpp", false},
		{domain.TaskKindVHALService, "vhal/hvac/hvac_properties.json", true},
		{domain.TaskKindDesignDoc, "generated/design_doc.txt", true},
		{domain.TaskKindAIDL, "aidl/.git/config", false},
		{domain.TaskKindBackend, "openapi/vehicle.yaml", true},
		{domain.TaskKindBackend, "openapi/nested/vehicle.yaml", false},
		{domain.TaskKind("firmware"), "firmware/blob.bin", false},
	}
	for _, tc := range tests {
		t.Run(string(tc.kind)+" "+tc.target, func(t *testing.T) {
			got, reason := engine.Allowed(tc.kind, tc.target)
			if got != tc.want {
				t.Fatalf("Allowed(%s, %q)=%v (%s) want=%v", tc.kind, tc.target, got, reason, tc.want)
			}
		})
	}
}

func TestGlobMatch(t *testing.T) {
	tests := []struct {
		pattern string
		value   string
		want    bool
	}{
		{"**", "a/b/c", true},
		{"docs/**", "docs", true},
		{"docs/**", "docs/a/b.md", true},
		{"docs/**", "docsx/a.md", false},
		{"**/.git/**", "a/b/.git/HEAD", true},
		{"**/*.bp", "build/Android.bp", true},
		{"vhal/*/**", "vhal/hvac/x.cpp", true},
		{"*.md", "a/b.md", false},
		{"[", "[", false},
	}
	for _, tc := range tests {
		if got := globMatch(tc.pattern, tc.value); got != tc.want {
			t.Fatalf("globMatch(%q, %q)=%v want=%v", tc.pattern, tc.value, got, tc.want)
		}
	}
}

func TestCanFileOperationHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := New(nil).CanFileOperation(ctx, domain.TaskKindAIDL, domain.FileOperationCreate, "aidl/a.aidl"); err == nil {
		t.Fatalf("expected context error")
	}
}
