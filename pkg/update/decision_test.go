package update

import (
	"strings"
	"testing"
)

func TestNormalizeVersion(t *testing.T) {
	tests := []struct {
		input  string
		want   string
		wantOK bool
	}{
		{"v0.2.5", "0.2.5", true},
		{"0.2.5", "0.2.5", true},
		{"120.0.6099.145", "120.0.6099.145", true},
		{"1.2", "1.2.0", true},
		{"2.14.0-beta", "2.14.0-beta", true},

		{"", "", false},
		{"   ", "", false},
		{"v", "", false},
		{"iceraven", "", false},
		{"not a version", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, ok := NormalizeVersion(tt.input)
			if ok != tt.wantOK {
				t.Fatalf("NormalizeVersion(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if ok && got.String() != tt.want {
				t.Fatalf("NormalizeVersion(%q) = %q, want %q", tt.input, got.String(), tt.want)
			}
		})
	}
}

func TestCompareVersions(t *testing.T) {
	tests := []struct {
		a       string
		b       string
		want    int
		wantErr bool
	}{
		{"0.2.5", "0.2.5", 0, false},
		{"1.0", "1.0.0", 0, false},
		{"v1.52.126", "1.52.126", 0, false},

		{"120.0.6099.145", "120.0.6099.230", -1, false},
		{"119.0.6045.194", "120.0.6099.145", -1, false},
		{"1.9.0", "1.10.0", -1, false},
		{"2.14.0-beta", "2.14.0", -1, false},

		{"121.0.6167.101", "120.0.6099.230", 1, false},
		{"1.10.0", "1.9.0", 1, false},

		{"invalid", "0.2.5", 0, true},
		{"0.2.5", "", 0, true},
	}

	for _, tt := range tests {
		name := tt.a + "_vs_" + tt.b
		t.Run(name, func(t *testing.T) {
			got, err := CompareVersions(tt.a, tt.b)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("CompareVersions(%q, %q) expected error, got nil", tt.a, tt.b)
				}
				return
			}
			if err != nil {
				t.Fatalf("CompareVersions(%q, %q) unexpected error: %v", tt.a, tt.b, err)
			}
			if got != tt.want {
				t.Fatalf("CompareVersions(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestDecide(t *testing.T) {
	ok := func(v string) Installed { return Installed{Present: true, Version: v, FingerprintMatches: true} }

	tests := []struct {
		name      string
		installed Installed
		available string
		force     bool
		wantDec   Decision
	}{
		{"not installed", Installed{}, "120.0.6099.145", false, DecisionInstall},
		{"same version skips", ok("120.0.6099.145"), "120.0.6099.145", false, DecisionSkip},
		{"same version with force reinstalls", ok("120.0.6099.145"), "120.0.6099.145", true, DecisionReinstall},
		{"newer release updates", ok("119.0.6045.194"), "120.0.6099.145", false, DecisionUpdate},
		{"older release skips", ok("121.0.6167.101"), "120.0.6099.145", false, DecisionSkip},
		{"older release with force downgrades", ok("121.0.6167.101"), "120.0.6099.145", true, DecisionDowngrade},
		{"foreign signer is refused", Installed{Present: true, Version: "1.0"}, "2.0", true, DecisionRefuse},
		{"text versions equal", ok("nightly-2024"), "nightly-2024", false, DecisionSkip},
		{"text versions differ", ok("nightly-2024"), "nightly-2025", false, DecisionUpdate},
		{"v prefix ignored", ok("1.5.2"), "v1.5.2", false, DecisionSkip},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec, msg := Decide(tt.installed, tt.available, tt.force)
			if dec != tt.wantDec {
				t.Fatalf("decision = %v, want %v (msg: %s)", dec, tt.wantDec, msg)
			}
			if msg == "" {
				t.Fatal("message should not be empty")
			}
		})
	}
}

func TestUpdateAvailable(t *testing.T) {
	for _, d := range []Decision{DecisionInstall, DecisionUpdate, DecisionReinstall, DecisionDowngrade} {
		if !d.UpdateAvailable() {
			t.Fatalf("%s: UpdateAvailable = false", d)
		}
	}
	for _, d := range []Decision{DecisionSkip, DecisionRefuse} {
		if d.UpdateAvailable() {
			t.Fatalf("%s: UpdateAvailable = true", d)
		}
	}
}

func TestDescribeDecision(t *testing.T) {
	tests := []struct {
		decision     Decision
		wantContains string
	}{
		{DecisionInstall, "not installed"},
		{DecisionSkip, "latest"},
		{DecisionRefuse, "refused"},
		{DecisionUpdate, "available"},
		{DecisionReinstall, "reinstall"},
		{DecisionDowngrade, "downgrade"},
	}

	for _, tt := range tests {
		t.Run(string(tt.decision), func(t *testing.T) {
			got := DescribeDecision(tt.decision)
			if !strings.Contains(strings.ToLower(got), strings.ToLower(tt.wantContains)) {
				t.Fatalf("DescribeDecision(%v) = %q, want to contain %q", tt.decision, got, tt.wantContains)
			}
		})
	}
}
