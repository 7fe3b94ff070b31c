package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/hitoshi/fansync/internal/fanvue"
	"github.com/hitoshi/fansync/internal/model"
)

// --- モック定義 ---

type mockEarningsSource struct {
	earnings []fanvue.Earning
	err      error

	gotSince   *time.Time
	gotSources []string
}

func (m *mockEarningsSource) Earnings(_ context.Context, since *time.Time, sources []string, yield func(fanvue.Earning) error) error {
	m.gotSince = since
	m.gotSources = sources
	for _, e := range m.earnings {
		if err := yield(e); err != nil {
			return err
		}
	}
	return m.err
}

type mockPurchaseRepo struct {
	cursor    *time.Time
	inserted  []*model.Transaction
	buyers    map[string][]string
	insertErr error
}

func (m *mockPurchaseRepo) Insert(_ context.Context, tx *model.Transaction) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	m.inserted = append(m.inserted, tx)
	return nil
}

func (m *mockPurchaseRepo) BuyersByPost(_ context.Context, postID string) ([]string, error) {
	return m.buyers[postID], nil
}

func (m *mockPurchaseRepo) Cursor(_ context.Context) (*time.Time, error) {
	return m.cursor, nil
}

func (m *mockPurchaseRepo) SetCursor(_ context.Context, t time.Time) error {
	m.cursor = &t
	return nil
}

func earning(post, buyer, date string) fanvue.Earning {
	e := fanvue.Earning{PostUUID: post, Date: date}
	if buyer != "" {
		e.User = &fanvue.EarningParty{UUID: buyer}
	}
	return e
}

func newTestLedger(source *mockEarningsSource, repo *mockPurchaseRepo) *Ledger {
	return NewLedger(source, repo, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
}

func TestSync_IngestsAndAdvancesCursor(t *testing.T) {
	source := &mockEarningsSource{earnings: []fanvue.Earning{
		earning("p1", "u1", "2025-06-01T12:00:00Z"),
		earning("p2", "u2", "2025-06-03T12:00:00Z"),
		earning("p1", "u3", "2025-06-02T12:00:00Z"),
	}}
	repo := &mockPurchaseRepo{}

	if err := newTestLedger(source, repo).Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}

	if len(repo.inserted) != 3 {
		t.Errorf("inserted = %d, want 3", len(repo.inserted))
	}
	if repo.cursor == nil {
		t.Fatal("cursor should be set")
	}
	want := time.Date(2025, 6, 3, 12, 0, 0, 0, time.UTC)
	if !repo.cursor.Equal(want) {
		t.Errorf("cursor = %v, want %v (max seen, not last seen)", repo.cursor, want)
	}

	if len(source.gotSources) != 1 || source.gotSources[0] != "post" {
		t.Errorf("sources = %v, want [post]", source.gotSources)
	}
}

func TestSync_PassesCursorAsSince(t *testing.T) {
	cur := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	source := &mockEarningsSource{}
	repo := &mockPurchaseRepo{cursor: &cur}

	if err := newTestLedger(source, repo).Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if source.gotSince == nil || !source.gotSince.Equal(cur) {
		t.Errorf("since = %v, want %v", source.gotSince, cur)
	}
}

func TestSync_EmptyStreamLeavesCursorUntouched(t *testing.T) {
	cur := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	repo := &mockPurchaseRepo{cursor: &cur}

	if err := newTestLedger(&mockEarningsSource{}, repo).Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if !repo.cursor.Equal(cur) {
		t.Errorf("cursor = %v, want unchanged %v", repo.cursor, cur)
	}
}

func TestSync_SkipsMalformedEvents(t *testing.T) {
	source := &mockEarningsSource{earnings: []fanvue.Earning{
		earning("", "u1", "2025-06-01T12:00:00Z"),   // 投稿IDなし
		earning("p1", "", "2025-06-01T12:00:00Z"),   // 購入者なし
		earning("p1", "u1", "not-a-date"),           // 日時不正
		earning("p2", "u2", "2025-06-01T12:00:00Z"), // 正常
	}}
	repo := &mockPurchaseRepo{}

	if err := newTestLedger(source, repo).Sync(context.Background()); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(repo.inserted) != 1 {
		t.Fatalf("inserted = %d, want 1", len(repo.inserted))
	}
	if repo.inserted[0].PostID != "p2" {
		t.Errorf("PostID = %q, want p2", repo.inserted[0].PostID)
	}
}

// 途中で失敗したパスでカーソルを進めると、未取得ページに残っていた
// 古い日時のイベントを次回以降取りこぼす。失敗時はカーソルを動かさない。
func TestSync_StreamFailureLeavesCursorUntouched(t *testing.T) {
	source := &mockEarningsSource{
		earnings: []fanvue.Earning{earning("p1", "u1", "2025-06-01T12:00:00Z")},
		err:      errors.New("upstream down"),
	}
	repo := &mockPurchaseRepo{}

	err := newTestLedger(source, repo).Sync(context.Background())
	if err == nil {
		t.Fatal("expected stream error to propagate")
	}
	if repo.cursor != nil {
		t.Errorf("cursor = %v, want nil after failed pass", repo.cursor)
	}
	// 取り込み済みイベント自体は確定している。次のパスで重複しても無視される
	if len(repo.inserted) != 1 {
		t.Errorf("inserted = %d, want 1", len(repo.inserted))
	}
}

func TestSync_InsertFailureAborts(t *testing.T) {
	source := &mockEarningsSource{earnings: []fanvue.Earning{
		earning("p1", "u1", "2025-06-01T12:00:00Z"),
	}}
	repo := &mockPurchaseRepo{insertErr: errors.New("db down")}

	if err := newTestLedger(source, repo).Sync(context.Background()); err == nil {
		t.Fatal("expected insert failure to propagate")
	}
	if repo.cursor != nil {
		t.Errorf("cursor = %v, want nil (nothing committed)", repo.cursor)
	}
}

func TestUnlockers_ReturnsBuyerSet(t *testing.T) {
	repo := &mockPurchaseRepo{buyers: map[string][]string{
		"p1": {"u1", "u2"},
	}}

	set, err := newTestLedger(&mockEarningsSource{}, repo).Unlockers(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Unlockers failed: %v", err)
	}
	if len(set) != 2 {
		t.Errorf("len(set) = %d, want 2", len(set))
	}
	if _, ok := set["u1"]; !ok {
		t.Error("u1 should be in set")
	}

	empty, err := newTestLedger(&mockEarningsSource{}, repo).Unlockers(context.Background(), "p9")
	if err != nil {
		t.Fatalf("Unlockers failed: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("len(empty) = %d, want 0", len(empty))
	}
}
