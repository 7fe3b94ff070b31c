package repository

import (
	"testing"
	"time"

	"github.com/hitoshi/fansync/internal/model"
)

// 各Postgresリポジトリがインターフェースを満たすことを検証
func TestPostgresRepos_ImplementInterfaces(t *testing.T) {
	var _ PurchaseRepository = (*PostgresPurchaseRepo)(nil)
	var _ IdentityLinkRepository = (*PostgresIdentityLinkRepo)(nil)
	var _ OfferRepository = (*PostgresOfferRepo)(nil)
}

func TestNewPostgresRepos_Initialize(t *testing.T) {
	if NewPostgresPurchaseRepo(nil) == nil {
		t.Fatal("expected non-nil purchase repo")
	}
	if NewPostgresIdentityLinkRepo(nil) == nil {
		t.Fatal("expected non-nil identity link repo")
	}
	if NewPostgresOfferRepo(nil) == nil {
		t.Fatal("expected non-nil offer repo")
	}
}

// Transactionモデルのフィールドが正しく構築されることを検証
func TestTransactionModel_Fields(t *testing.T) {
	occurred := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	tx := &model.Transaction{
		PostID:     "post-1",
		BuyerUUID:  "fan-1",
		OccurredAt: occurred,
	}

	if tx.PostID != "post-1" {
		t.Errorf("tx.PostID = %q, want %q", tx.PostID, "post-1")
	}
	if tx.BuyerUUID != "fan-1" {
		t.Errorf("tx.BuyerUUID = %q, want %q", tx.BuyerUUID, "fan-1")
	}
	if !tx.OccurredAt.Equal(occurred) {
		t.Errorf("tx.OccurredAt = %v, want %v", tx.OccurredAt, occurred)
	}
}

// IdentityLinkモデルのフィールドが正しく構築されることを検証
func TestIdentityLinkModel_Fields(t *testing.T) {
	now := time.Now()
	link := &model.IdentityLink{
		FanvueUUID:           "fan-uuid-1",
		DestinationAccountID: "dest-123",
		AccessToken:          "access",
		RefreshToken:         "refresh",
		ExpiresAt:            now.Add(time.Hour),
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	if link.FanvueUUID != "fan-uuid-1" {
		t.Errorf("link.FanvueUUID = %q, want %q", link.FanvueUUID, "fan-uuid-1")
	}
	if link.DestinationAccountID != "dest-123" {
		t.Errorf("link.DestinationAccountID = %q, want %q", link.DestinationAccountID, "dest-123")
	}
	if !link.ExpiresAt.After(now) {
		t.Error("link.ExpiresAt should be in the future")
	}
}
