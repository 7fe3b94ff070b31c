// Package rules はメンバーシップルールの読み込みと評価を提供する。
// 設定ファイル上のルールは単一オブジェクト・リスト・rules埋め込みオブジェクト
// の3形式を許し、読み込み時に正規化する。評価側は形式を意識しない。
package rules

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hitoshi/fansync/internal/model"
)

// ConfigError はルール設定の形式不正を表す。
// 該当する宛先はそのサイクルの評価からスキップされる。
type ConfigError struct {
	Destination string
	Reason      string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid rule config for destination %q: %s", e.Destination, e.Reason)
}

// rawRule は設定ファイル上の1ルール。
type rawRule struct {
	Type             string `yaml:"type"`
	RequireActive    *bool  `yaml:"require_active"`
	MinLifetimeCents int64  `yaml:"min_lifetime_cents"`
	Approximate      bool   `yaml:"approximate"`
	ContentID        string `yaml:"content_id"`
	ListID           string `yaml:"list_id"`
	ListKind         string `yaml:"list_kind"`
	OnExpiry         string `yaml:"on_expiry"`
}

// rawRuleSet はrules埋め込み形式。
type rawRuleSet struct {
	Rules    []rawRule `yaml:"rules"`
	OnExpiry string    `yaml:"on_expiry"`
}

// LoadFile はYAMLルール設定を読み込み、宛先ごとのRuleSetに正規化する。
func LoadFile(path string) (map[string]model.RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return Parse(data)
}

// Parse はYAMLルール設定をパースして正規化する。
// 宛先ごとの値は単一ルール・ルールのリスト・{rules: [...], on_expiry: ...}
// のいずれでもよい。
func Parse(data []byte) (map[string]model.RuleSet, error) {
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse rules config: %w", err)
	}

	result := make(map[string]model.RuleSet, len(doc))
	for destination, node := range doc {
		ruleSet, err := normalize(destination, &node)
		if err != nil {
			return nil, err
		}
		result[destination] = ruleSet
	}
	return result, nil
}

// normalize は1宛先分の設定値を正規形に変換する。
func normalize(destination string, node *yaml.Node) (model.RuleSet, error) {
	var (
		raws     []rawRule
		onExpiry string
	)

	switch node.Kind {
	case yaml.SequenceNode:
		if err := node.Decode(&raws); err != nil {
			return model.RuleSet{}, &ConfigError{Destination: destination, Reason: err.Error()}
		}
	case yaml.MappingNode:
		if hasKey(node, "rules") {
			var rs rawRuleSet
			if err := node.Decode(&rs); err != nil {
				return model.RuleSet{}, &ConfigError{Destination: destination, Reason: err.Error()}
			}
			raws = rs.Rules
			onExpiry = rs.OnExpiry
		} else {
			var r rawRule
			if err := node.Decode(&r); err != nil {
				return model.RuleSet{}, &ConfigError{Destination: destination, Reason: err.Error()}
			}
			raws = []rawRule{r}
		}
	default:
		return model.RuleSet{}, &ConfigError{Destination: destination, Reason: "rule value must be an object or a list"}
	}

	if len(raws) == 0 {
		return model.RuleSet{}, &ConfigError{Destination: destination, Reason: "no rules defined"}
	}

	ruleSet := model.RuleSet{Rules: make([]model.Rule, 0, len(raws))}
	for _, raw := range raws {
		rule, err := convert(destination, raw)
		if err != nil {
			return model.RuleSet{}, err
		}
		ruleSet.Rules = append(ruleSet.Rules, rule)

		// ルールセットレベルの指定がなければ最初のルールの指定を採用する
		if onExpiry == "" && raw.OnExpiry != "" {
			onExpiry = raw.OnExpiry
		}
	}

	policy, err := parsePolicy(destination, onExpiry)
	if err != nil {
		return model.RuleSet{}, err
	}
	ruleSet.OnExpiry = policy
	return ruleSet, nil
}

// convert は設定上のルールをモデルに変換し、種別ごとの必須項目を検証する。
func convert(destination string, raw rawRule) (model.Rule, error) {
	switch model.Kind(raw.Type) {
	case model.KindSubscription:
		requireActive := true
		if raw.RequireActive != nil {
			requireActive = *raw.RequireActive
		}
		return model.Rule{Kind: model.KindSubscription, RequireActive: requireActive}, nil

	case model.KindSpending:
		if raw.MinLifetimeCents <= 0 {
			return model.Rule{}, &ConfigError{Destination: destination, Reason: "spending rule requires min_lifetime_cents > 0"}
		}
		return model.Rule{
			Kind:             model.KindSpending,
			MinLifetimeCents: raw.MinLifetimeCents,
			Approximate:      raw.Approximate,
		}, nil

	case model.KindTopSpender:
		return model.Rule{Kind: model.KindTopSpender}, nil

	case model.KindUnlock:
		if raw.ContentID == "" {
			return model.Rule{}, &ConfigError{Destination: destination, Reason: "unlock rule requires content_id"}
		}
		return model.Rule{Kind: model.KindUnlock, ContentID: raw.ContentID}, nil

	case model.KindFanvueList:
		if raw.ListID == "" {
			return model.Rule{}, &ConfigError{Destination: destination, Reason: "fanvue_list rule requires list_id"}
		}
		kind := raw.ListKind
		if kind == "" {
			kind = "custom"
		}
		if kind != "custom" && kind != "smart" {
			return model.Rule{}, &ConfigError{Destination: destination, Reason: fmt.Sprintf("unknown list_kind %q", kind)}
		}
		return model.Rule{Kind: model.KindFanvueList, ListID: raw.ListID, ListKind: kind}, nil

	default:
		return model.Rule{}, &ConfigError{Destination: destination, Reason: fmt.Sprintf("unknown rule type %q", raw.Type)}
	}
}

// parsePolicy は失効ポリシー文字列を検証する。未指定はremove。
func parsePolicy(destination, raw string) (model.ExpiryPolicy, error) {
	switch model.ExpiryPolicy(raw) {
	case "":
		return model.ExpiryRemove, nil
	case model.ExpiryRemove, model.ExpiryExclude, model.ExpiryIgnore:
		return model.ExpiryPolicy(raw), nil
	default:
		return "", &ConfigError{Destination: destination, Reason: fmt.Sprintf("unknown on_expiry policy %q", raw)}
	}
}

// hasKey はマッピングノードが指定キーを持つか調べる。
func hasKey(node *yaml.Node, key string) bool {
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value == key {
			return true
		}
	}
	return false
}
