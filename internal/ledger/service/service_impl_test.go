package service_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/casefile-ai/casefile/internal/clock"
	ledgerdomain "github.com/casefile-ai/casefile/internal/ledger/domain"
	ledgerservice "github.com/casefile-ai/casefile/internal/ledger/service"
)

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	schema := []string{
		`CREATE TABLE credit_batches (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			amount_total BIGINT NOT NULL,
			amount_remaining BIGINT NOT NULL,
			source TEXT NOT NULL,
			expires_at DATETIME,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE credit_transactions (
			id BIGINT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			type TEXT NOT NULL,
			amount BIGINT NOT NULL,
			reference_id TEXT NOT NULL,
			description TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE UNIQUE INDEX ux_credit_tx_user_type_ref ON credit_transactions(user_id, type, reference_id)`,
	}

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("schema exec failed: %v", err)
		}
	}

	return db
}

func newLedger(t *testing.T, db *gorm.DB, clk clock.Clock) (ledgerdomain.Service, *snowflake.Node) {
	t.Helper()

	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	svc := ledgerservice.NewService(ledgerservice.Params{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
	})
	return svc, node
}

func assertCount(t *testing.T, db *gorm.DB, query string, want int64, args ...any) {
	t.Helper()

	var got int64
	if err := db.Raw(query, args...).Scan(&got).Error; err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	if got != want {
		t.Fatalf("expected %d rows for %q, got %d", want, query, got)
	}
}

func TestAddCreditsIdempotentPerPayment(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc, node := newLedger(t, db, clk)

	userID := node.Generate()
	expires := clk.Now().AddDate(1, 0, 0)

	for i := 0; i < 2; i++ {
		if err := svc.AddCredits(ctx, userID, 10, ledgerdomain.SourcePurchase, "pi_100", &expires); err != nil {
			t.Fatalf("add credits: %v", err)
		}
	}

	assertCount(t, db, "SELECT COUNT(1) FROM credit_batches", 1)
	assertCount(t, db, "SELECT COUNT(1) FROM credit_transactions WHERE type = 'purchase'", 1)

	balance, err := svc.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance != 10 {
		t.Fatalf("expected balance 10, got %d", balance)
	}
}

func TestDeductCreditsConsumesEarliestExpiryFirst(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc, node := newLedger(t, db, clk)

	userID := node.Generate()
	soon := clk.Now().AddDate(0, 1, 0)
	later := clk.Now().AddDate(1, 0, 0)

	if err := svc.AddCredits(ctx, userID, 2, ledgerdomain.SourcePurchase, "pi_soon", &soon); err != nil {
		t.Fatalf("add credits: %v", err)
	}
	if err := svc.AddCredits(ctx, userID, 5, ledgerdomain.SourcePurchase, "pi_later", &later); err != nil {
		t.Fatalf("add credits: %v", err)
	}

	ok, err := svc.DeductCredits(ctx, userID, 3, "job_1", "generation")
	if err != nil {
		t.Fatalf("deduct credits: %v", err)
	}
	if !ok {
		t.Fatalf("expected deduction to succeed")
	}

	var remaining int64
	if err := db.Raw("SELECT amount_remaining FROM credit_batches WHERE amount_total = 2").Scan(&remaining).Error; err != nil {
		t.Fatalf("scan batch: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("expected earliest batch drained, got %d remaining", remaining)
	}
	if err := db.Raw("SELECT amount_remaining FROM credit_batches WHERE amount_total = 5").Scan(&remaining).Error; err != nil {
		t.Fatalf("scan batch: %v", err)
	}
	if remaining != 4 {
		t.Fatalf("expected later batch at 4, got %d", remaining)
	}

	var amount int64
	if err := db.Raw("SELECT amount FROM credit_transactions WHERE type = 'usage'").Scan(&amount).Error; err != nil {
		t.Fatalf("scan usage tx: %v", err)
	}
	if amount != -3 {
		t.Fatalf("expected usage amount -3, got %d", amount)
	}
}

func TestDeductCreditsInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc, node := newLedger(t, db, clk)

	userID := node.Generate()
	expires := clk.Now().AddDate(1, 0, 0)
	if err := svc.AddCredits(ctx, userID, 1, ledgerdomain.SourcePurchase, "pi_1", &expires); err != nil {
		t.Fatalf("add credits: %v", err)
	}

	ok, err := svc.DeductCredits(ctx, userID, 2, "job_over", "generation")
	if err != nil {
		t.Fatalf("deduct credits: %v", err)
	}
	if ok {
		t.Fatalf("expected insufficient funds")
	}

	// No partial mutation: the batch and the transaction log are untouched.
	assertCount(t, db, "SELECT COUNT(1) FROM credit_transactions WHERE type = 'usage'", 0)
	balance, err := svc.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance != 1 {
		t.Fatalf("expected balance 1, got %d", balance)
	}
}

func TestDeductCreditsSkipsExpiredBatches(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc, node := newLedger(t, db, clk)

	userID := node.Generate()
	expires := clk.Now().AddDate(0, 1, 0)
	if err := svc.AddCredits(ctx, userID, 3, ledgerdomain.SourcePurchase, "pi_exp", &expires); err != nil {
		t.Fatalf("add credits: %v", err)
	}

	clk.Advance(45 * 24 * time.Hour)

	has, err := svc.HasCredits(ctx, userID)
	if err != nil {
		t.Fatalf("has credits: %v", err)
	}
	if has {
		t.Fatalf("expected no spendable credits after expiry")
	}

	ok, err := svc.DeductCredits(ctx, userID, 1, "job_exp", "generation")
	if err != nil {
		t.Fatalf("deduct credits: %v", err)
	}
	if ok {
		t.Fatalf("expected deduction to fail against expired batch")
	}
}

func TestRefundCreditsIdempotentPerReference(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc, node := newLedger(t, db, clk)

	userID := node.Generate()

	for i := 0; i < 3; i++ {
		if err := svc.RefundCredits(ctx, userID, 1, "job_9", "Quality gate failed"); err != nil {
			t.Fatalf("refund credits: %v", err)
		}
	}

	assertCount(t, db, "SELECT COUNT(1) FROM credit_transactions WHERE type = 'refund'", 1)
	assertCount(t, db, "SELECT COUNT(1) FROM credit_batches WHERE source = 'refund'", 1)

	balance, err := svc.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance != 1 {
		t.Fatalf("expected balance 1, got %d", balance)
	}
}

func TestBalanceMatchesTransactionLog(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc, node := newLedger(t, db, clk)

	userID := node.Generate()
	expires := clk.Now().AddDate(1, 0, 0)

	if err := svc.AddCredits(ctx, userID, 5, ledgerdomain.SourcePurchase, "pi_1", &expires); err != nil {
		t.Fatalf("add credits: %v", err)
	}
	if ok, err := svc.DeductCredits(ctx, userID, 2, "job_a", "generation"); err != nil || !ok {
		t.Fatalf("deduct credits: ok=%v err=%v", ok, err)
	}
	if err := svc.RefundCredits(ctx, userID, 1, "job_a", "Generation failed"); err != nil {
		t.Fatalf("refund credits: %v", err)
	}

	var txSum int64
	if err := db.Raw("SELECT COALESCE(SUM(amount), 0) FROM credit_transactions WHERE user_id = ?", userID).Scan(&txSum).Error; err != nil {
		t.Fatalf("sum transactions: %v", err)
	}

	balance, err := svc.GetBalance(ctx, userID)
	if err != nil {
		t.Fatalf("get balance: %v", err)
	}
	if balance != txSum {
		t.Fatalf("balance %d does not match transaction sum %d", balance, txSum)
	}
	if balance != 4 {
		t.Fatalf("expected balance 4, got %d", balance)
	}
}

func TestListActiveBatchesOrdersByExpiry(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	svc, node := newLedger(t, db, clk)

	userID := node.Generate()
	late := clk.Now().AddDate(1, 0, 0)
	soon := clk.Now().AddDate(0, 1, 0)
	expired := clk.Now().Add(-time.Hour)

	if err := svc.AddCredits(ctx, userID, 5, ledgerdomain.SourcePurchase, "pi_late", &late); err != nil {
		t.Fatalf("add credits: %v", err)
	}
	if err := svc.AddCredits(ctx, userID, 3, ledgerdomain.SourcePurchase, "pi_soon", &soon); err != nil {
		t.Fatalf("add credits: %v", err)
	}
	if err := svc.AddCredits(ctx, userID, 2, ledgerdomain.SourcePurchase, "pi_old", &expired); err != nil {
		t.Fatalf("add credits: %v", err)
	}
	if err := svc.RefundCredits(ctx, userID, 1, "refund:inv_1", "quality below threshold"); err != nil {
		t.Fatalf("refund credits: %v", err)
	}

	batches, err := svc.ListActiveBatches(ctx, userID)
	if err != nil {
		t.Fatalf("list batches: %v", err)
	}
	if len(batches) != 3 {
		t.Fatalf("expected 3 active batches, got %d", len(batches))
	}
	if batches[0].AmountRemaining != 3 || batches[1].AmountRemaining != 5 {
		t.Fatalf("expected soonest expiry first, got %+v", batches)
	}
	if batches[2].ExpiresAt != nil || batches[2].Source != ledgerdomain.SourceRefund {
		t.Fatalf("expected never-expiring refund batch last, got %+v", batches[2])
	}
}
