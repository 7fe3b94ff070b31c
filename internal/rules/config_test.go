package rules

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/hitoshi/fansync/internal/model"
)

func TestParse_SingleRuleObject(t *testing.T) {
	data := []byte(`
members:
  type: subscription
  require_active: true
`)
	sets, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	rs, ok := sets["members"]
	if !ok {
		t.Fatal("destination members should exist")
	}
	if len(rs.Rules) != 1 {
		t.Fatalf("len(Rules) = %d, want 1", len(rs.Rules))
	}
	if rs.Rules[0].Kind != model.KindSubscription || !rs.Rules[0].RequireActive {
		t.Errorf("rule = %+v, want active subscription", rs.Rules[0])
	}
	if rs.OnExpiry != model.ExpiryRemove {
		t.Errorf("OnExpiry = %q, want remove default", rs.OnExpiry)
	}
}

func TestParse_RuleList(t *testing.T) {
	data := []byte(`
vip:
  - type: subscription
  - type: top_spender
  - type: unlock
    content_id: post-1
`)
	sets, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	rs := sets["vip"]
	if len(rs.Rules) != 3 {
		t.Fatalf("len(Rules) = %d, want 3", len(rs.Rules))
	}
	if rs.Rules[0].Kind != model.KindSubscription || !rs.Rules[0].RequireActive {
		t.Errorf("rule[0] = %+v, want subscription defaulting to active", rs.Rules[0])
	}
	if rs.Rules[2].ContentID != "post-1" {
		t.Errorf("ContentID = %q, want post-1", rs.Rules[2].ContentID)
	}
}

func TestParse_EmbeddedRulesWithPolicy(t *testing.T) {
	data := []byte(`
lounge:
  on_expiry: ignore
  rules:
    - type: spending
      min_lifetime_cents: 5000
    - type: fanvue_list
      list_id: list-1
      list_kind: smart
`)
	sets, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	rs := sets["lounge"]
	if rs.OnExpiry != model.ExpiryIgnore {
		t.Errorf("OnExpiry = %q, want ignore", rs.OnExpiry)
	}
	if rs.Rules[0].MinLifetimeCents != 5000 {
		t.Errorf("MinLifetimeCents = %d, want 5000", rs.Rules[0].MinLifetimeCents)
	}
	if rs.Rules[1].ListKind != "smart" {
		t.Errorf("ListKind = %q, want smart", rs.Rules[1].ListKind)
	}
}

func TestParse_RuleLevelPolicyFallback(t *testing.T) {
	data := []byte(`
members:
  - type: subscription
    on_expiry: exclude
`)
	sets, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if sets["members"].OnExpiry != model.ExpiryExclude {
		t.Errorf("OnExpiry = %q, want exclude from first rule", sets["members"].OnExpiry)
	}
}

func TestParse_InvalidConfigs(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown type", "members:\n  type: mystery\n"},
		{"unknown policy", "members:\n  type: subscription\n  on_expiry: banish\n"},
		{"spending without floor", "members:\n  type: spending\n"},
		{"unlock without content", "members:\n  type: unlock\n"},
		{"list without id", "members:\n  type: fanvue_list\n"},
		{"bad list kind", "members:\n  type: fanvue_list\n  list_id: l1\n  list_kind: magic\n"},
		{"scalar value", "members: 42\n"},
		{"empty rules", "members:\n  rules: []\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Errorf("error = %v, want *ConfigError", err)
			}
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte("members:\n  type: subscription\n"), 0o600); err != nil {
		t.Fatalf("failed to write rules file: %v", err)
	}

	sets, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile failed: %v", err)
	}
	if len(sets) != 1 {
		t.Errorf("len(sets) = %d, want 1", len(sets))
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
