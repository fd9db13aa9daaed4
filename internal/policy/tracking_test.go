package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const selfPackage = "com.laila.terastv"

var launchers = []string{
	"com.android.systemui",
	"com.google.android.tvlauncher",
	"com.android.launcher",
	"com.google.android.leanbacklauncher",
}

func TestStaticPolicy_Ignored(t *testing.T) {
	p := NewStaticPolicy(selfPackage, launchers)
	ctx := context.Background()

	tests := []struct {
		name string
		pkg  string
		want bool
	}{
		{"system ui", "com.android.systemui", true},
		{"tv launcher", "com.google.android.tvlauncher", true},
		{"leanback launcher", "com.google.android.leanbacklauncher", true},
		{"own package", selfPackage, true},
		{"empty package", "", true},
		{"video player", "com.google.android.youtube.tv", false},
		{"launcher prefix only", "com.android.launcher3", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := p.Ignored(ctx, tt.pkg); got != tt.want {
				t.Errorf("Ignored(%q) = %v, want %v", tt.pkg, got, tt.want)
			}
		})
	}
}

func TestOPAPolicy_FallsBackWhenUndefined(t *testing.T) {
	dir := t.TempDir()
	// A bundle with no ignore rule leaves the query undefined.
	body := "package terastv.tracking\n\nunrelated := true\n"
	if err := os.WriteFile(filepath.Join(dir, "tracking.rego"), []byte(body), 0644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	p, err := NewOPAPolicy(dir, NewStaticPolicy(selfPackage, launchers), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewOPAPolicy failed: %v", err)
	}

	ctx := context.Background()
	if !p.Ignored(ctx, "com.google.android.tvlauncher") {
		t.Error("Expected launcher to be ignored via fallback")
	}
	if p.Ignored(ctx, "com.netflix.ninja") {
		t.Error("Expected player to be tracked via fallback")
	}
}

func TestOPAPolicy_SelfPackageAlwaysIgnored(t *testing.T) {
	dir := t.TempDir()
	body := "package terastv.tracking\n\ndefault ignore := false\n"
	if err := os.WriteFile(filepath.Join(dir, "tracking.rego"), []byte(body), 0644); err != nil {
		t.Fatalf("write policy: %v", err)
	}

	p, err := NewOPAPolicy(dir, NewStaticPolicy(selfPackage, nil), zerolog.Nop())
	if err != nil {
		t.Fatalf("NewOPAPolicy failed: %v", err)
	}

	ctx := context.Background()
	if !p.Ignored(ctx, selfPackage) {
		t.Error("Expected own package to be ignored regardless of policy")
	}
	if p.Ignored(ctx, "com.google.android.tvlauncher") {
		t.Error("Expected policy decision to override the static set")
	}
}

func TestTestClock_Advance(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := NewTestClock(start)

	if got := clock.Advance(125 * time.Second); !got.Equal(start.Add(125 * time.Second)) {
		t.Errorf("Advance returned %v", got)
	}
	if !clock.Now().Equal(start.Add(125 * time.Second)) {
		t.Errorf("Now() = %v after advance", clock.Now())
	}

	clock.Set(start)
	if !clock.Now().Equal(start) {
		t.Errorf("Now() = %v after set", clock.Now())
	}
}
