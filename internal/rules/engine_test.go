package rules

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/hitoshi/fansync/internal/model"
)

// --- モック定義 ---

type mockFanSource struct {
	subscribers []model.Fan
	followers   []model.Fan
	insights    map[string]int64
	lists       map[string][]model.Fan

	subscribersErr error
	followersErr   error
	insightsErr    error
	listsErr       error

	insightCalls map[string]int
	listCalls    map[string]int
}

func newMockFanSource() *mockFanSource {
	return &mockFanSource{
		insights:     make(map[string]int64),
		lists:        make(map[string][]model.Fan),
		insightCalls: make(map[string]int),
		listCalls:    make(map[string]int),
	}
}

func (m *mockFanSource) Subscribers(_ context.Context) ([]model.Fan, error) {
	return m.subscribers, m.subscribersErr
}

func (m *mockFanSource) Followers(_ context.Context) ([]model.Fan, error) {
	return m.followers, m.followersErr
}

func (m *mockFanSource) FanInsights(_ context.Context, fanUUID string) (*model.FanInsights, error) {
	m.insightCalls[fanUUID]++
	if m.insightsErr != nil {
		return nil, m.insightsErr
	}
	spend, ok := m.insights[fanUUID]
	if !ok {
		return nil, nil // インサイトなし
	}
	return &model.FanInsights{TotalSpendGrossCents: spend}, nil
}

func (m *mockFanSource) ListMembers(_ context.Context, listID, kind string) ([]model.Fan, error) {
	m.listCalls[kind+":"+listID]++
	if m.listsErr != nil {
		return nil, m.listsErr
	}
	return m.lists[listID], nil
}

type mockLedger struct {
	unlockers map[string]map[string]struct{}
	syncErr   error
	syncCalls int
}

func (m *mockLedger) Sync(_ context.Context) error {
	m.syncCalls++
	return m.syncErr
}

func (m *mockLedger) Unlockers(_ context.Context, postID string) (map[string]struct{}, error) {
	return m.unlockers[postID], nil
}

func subscriber(uuid string) model.Fan {
	return model.Fan{UUID: uuid, IsSubscriber: true}
}

func follower(uuid string, topSpender bool) model.Fan {
	return model.Fan{UUID: uuid, IsTopSpender: topSpender}
}

func newTestEngine(source FanSource, ledger LedgerSource, sets map[string]model.RuleSet) *Engine {
	return NewEngine(source, ledger, sets, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func wantSet(t *testing.T, got map[string]struct{}, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		t.Errorf("set size = %d, want %d (%v)", len(got), len(want), got)
	}
	for _, uuid := range want {
		if _, ok := got[uuid]; !ok {
			t.Errorf("set should contain %s", uuid)
		}
	}
}

func TestComputeMembership_UnionAcrossRules(t *testing.T) {
	source := newMockFanSource()
	source.subscribers = []model.Fan{subscriber("A"), subscriber("B")}
	source.followers = []model.Fan{follower("B", false), follower("C", true)}

	ledger := &mockLedger{}
	engine := newTestEngine(source, ledger, map[string]model.RuleSet{
		"members": {Rules: []model.Rule{
			{Kind: model.KindSubscription, RequireActive: true},
			{Kind: model.KindTopSpender},
		}},
	})

	result := engine.ComputeMembership(context.Background())
	wantSet(t, result["members"], "A", "B", "C")

	if ledger.syncCalls != 1 {
		t.Errorf("syncCalls = %d, want 1", ledger.syncCalls)
	}
}

func TestComputeMembership_SubscriberRecordWins(t *testing.T) {
	source := newMockFanSource()
	source.subscribers = []model.Fan{subscriber("A")}
	// 同一UUIDがフォロワー側でトップスペンダーでも、サブスクライバーのレコードが勝つ
	source.followers = []model.Fan{follower("A", true)}

	engine := newTestEngine(source, &mockLedger{}, map[string]model.RuleSet{
		"top": {Rules: []model.Rule{{Kind: model.KindTopSpender}}},
	})

	result := engine.ComputeMembership(context.Background())
	wantSet(t, result["top"])
}

func TestComputeMembership_SpendingThreshold(t *testing.T) {
	source := newMockFanSource()
	source.subscribers = []model.Fan{subscriber("A"), subscriber("B")}
	source.insights = map[string]int64{"A": 4000, "B": 5000}

	engine := newTestEngine(source, &mockLedger{}, map[string]model.RuleSet{
		"vip": {Rules: []model.Rule{{Kind: model.KindSpending, MinLifetimeCents: 5000}}},
	})

	result := engine.ComputeMembership(context.Background())
	wantSet(t, result["vip"], "B")
}

func TestComputeMembership_InsightsCachedPerRun(t *testing.T) {
	source := newMockFanSource()
	source.subscribers = []model.Fan{subscriber("A")}
	source.insights = map[string]int64{"A": 9000}

	engine := newTestEngine(source, &mockLedger{}, map[string]model.RuleSet{
		"vip":   {Rules: []model.Rule{{Kind: model.KindSpending, MinLifetimeCents: 5000}}},
		"whale": {Rules: []model.Rule{{Kind: model.KindSpending, MinLifetimeCents: 8000}}},
	})

	engine.ComputeMembership(context.Background())
	if source.insightCalls["A"] != 1 {
		t.Errorf("insightCalls[A] = %d, want 1 (cached across destinations)", source.insightCalls["A"])
	}
}

func TestComputeMembership_ApproximateSpendingSkipsInsights(t *testing.T) {
	source := newMockFanSource()
	source.subscribers = []model.Fan{subscriber("A")}
	source.followers = []model.Fan{follower("C", true)}

	engine := newTestEngine(source, &mockLedger{}, map[string]model.RuleSet{
		"vip": {Rules: []model.Rule{{Kind: model.KindSpending, MinLifetimeCents: 5000, Approximate: true}}},
	})

	result := engine.ComputeMembership(context.Background())
	wantSet(t, result["vip"], "C")
	if len(source.insightCalls) != 0 {
		t.Errorf("insightCalls = %v, want none", source.insightCalls)
	}
}

func TestComputeMembership_UnlockUsesLedger(t *testing.T) {
	source := newMockFanSource()
	ledger := &mockLedger{unlockers: map[string]map[string]struct{}{
		"post-1": {"U1": {}, "U2": {}},
	}}

	engine := newTestEngine(source, ledger, map[string]model.RuleSet{
		"buyers": {Rules: []model.Rule{{Kind: model.KindUnlock, ContentID: "post-1"}}},
	})

	result := engine.ComputeMembership(context.Background())
	wantSet(t, result["buyers"], "U1", "U2")
}

func TestComputeMembership_ListMembershipCachedPerRun(t *testing.T) {
	source := newMockFanSource()
	source.lists = map[string][]model.Fan{"list-1": {follower("L1", false)}}

	engine := newTestEngine(source, &mockLedger{}, map[string]model.RuleSet{
		"a": {Rules: []model.Rule{{Kind: model.KindFanvueList, ListID: "list-1", ListKind: "custom"}}},
		"b": {Rules: []model.Rule{{Kind: model.KindFanvueList, ListID: "list-1", ListKind: "custom"}}},
	})

	result := engine.ComputeMembership(context.Background())
	wantSet(t, result["a"], "L1")
	wantSet(t, result["b"], "L1")
	if source.listCalls["custom:list-1"] != 1 {
		t.Errorf("listCalls = %d, want 1 (cached)", source.listCalls["custom:list-1"])
	}
}

func TestComputeMembership_LedgerFailureDoesNotAbort(t *testing.T) {
	source := newMockFanSource()
	source.subscribers = []model.Fan{subscriber("A")}
	ledger := &mockLedger{syncErr: errors.New("db down")}

	engine := newTestEngine(source, ledger, map[string]model.RuleSet{
		"members": {Rules: []model.Rule{{Kind: model.KindSubscription, RequireActive: true}}},
	})

	result := engine.ComputeMembership(context.Background())
	wantSet(t, result["members"], "A")
}

func TestComputeMembership_RuleFailureKeepsPartialResult(t *testing.T) {
	source := newMockFanSource()
	source.subscribers = []model.Fan{subscriber("A")}
	source.listsErr = errors.New("upstream down")

	engine := newTestEngine(source, &mockLedger{}, map[string]model.RuleSet{
		"members": {Rules: []model.Rule{
			{Kind: model.KindSubscription, RequireActive: true},
			{Kind: model.KindFanvueList, ListID: "list-1", ListKind: "custom"},
		}},
		"other": {Rules: []model.Rule{{Kind: model.KindSubscription, RequireActive: true}}},
	})

	result := engine.ComputeMembership(context.Background())
	// 失敗したリストルールの分は欠けるが、評価済みのルールの結果は残る
	wantSet(t, result["members"], "A")
	wantSet(t, result["other"], "A")
}

// 一時的な取得失敗で空集合を返すと差分適用が既存メンバーを全員剥奪してしまう。
// スナップショット依存の宛先は結果から除外し、今サイクルは適用しない。
func TestComputeMembership_SubscriberFetchFailureSkipsSnapshotDestinations(t *testing.T) {
	source := newMockFanSource()
	source.subscribersErr = errors.New("upstream down")
	ledger := &mockLedger{unlockers: map[string]map[string]struct{}{
		"post-1": {"B": {}},
	}}

	engine := newTestEngine(source, ledger, map[string]model.RuleSet{
		"members":   {Rules: []model.Rule{{Kind: model.KindSubscription, RequireActive: true}}},
		"vip":       {Rules: []model.Rule{{Kind: model.KindSpending, MinLifetimeCents: 5000}}},
		"backstage": {Rules: []model.Rule{{Kind: model.KindUnlock, ContentID: "post-1"}}},
	})

	result := engine.ComputeMembership(context.Background())
	if _, ok := result["members"]; ok {
		t.Errorf("result should omit destination %q after snapshot fetch failure, got %v", "members", result["members"])
	}
	if _, ok := result["vip"]; ok {
		t.Errorf("result should omit destination %q after snapshot fetch failure, got %v", "vip", result["vip"])
	}
	// スナップショットを参照しない宛先は評価を継続する
	wantSet(t, result["backstage"], "B")
}

func TestComputeMembership_FollowerFetchFailureSkipsSnapshotDestinations(t *testing.T) {
	source := newMockFanSource()
	source.subscribers = []model.Fan{subscriber("A")}
	source.followersErr = errors.New("upstream down")

	engine := newTestEngine(source, &mockLedger{}, map[string]model.RuleSet{
		"members": {Rules: []model.Rule{{Kind: model.KindSubscription, RequireActive: true}}},
	})

	result := engine.ComputeMembership(context.Background())
	// サブスクライバーだけ取れてもスナップショットは不完全なので適用しない
	if _, ok := result["members"]; ok {
		t.Errorf("result should omit destination %q after follower fetch failure, got %v", "members", result["members"])
	}
}
