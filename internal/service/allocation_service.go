package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tuition-office/backend/internal/dto"
	"tuition-office/backend/internal/model"
	"tuition-office/backend/internal/repository"
)

// ── 分期分摊模块业务错误 ──

var (
	ErrAssessmentNotFound   = errors.New("缴费单不存在")
	ErrPercentageTableEmpty = errors.New("比例表不能为空")
	ErrPercentageSumInvalid = errors.New("比例合计必须为 100")
	ErrNegativeAmount       = errors.New("金额不能为负")
	ErrTermsAlreadyExist    = errors.New("缴费单已生成分期")
)

// AllocationService 分期分摊引擎业务接口
type AllocationService interface {
	// GenerateTerms 按比例表将总额切分为有序分期
	// 前 N-1 期四舍五入到分，末期取差额兜底，保证分期合计与总额精确相等
	GenerateTerms(ctx context.Context, assessmentID string, total decimal.Decimal, percentages []decimal.Decimal) ([]dto.TermResponse, error)
	// ApplyCarryover 按期序折算结转：每期实际应缴为上期未缴余额加本期金额，
	// 未缴余额继续下传；末期为结转终点，剩余欠款以备注形式上报而不被丢弃
	ApplyCarryover(ctx context.Context, assessmentID string) error
	// ApplyPayment 将一笔款项按最早欠款优先的顺序摊入各分期
	ApplyPayment(ctx context.Context, assessmentID string, amount decimal.Decimal) (*dto.AllocationResult, error)
	// ApplyPaymentInTx 在调用方事务内执行分摊（编排器在审批通过路径复用）
	ApplyPaymentInTx(ctx context.Context, repo *repository.Repository, assessmentID string, amount decimal.Decimal) (*dto.AllocationResult, error)
	// MarkOverdue 逾期扫描：截止日期早于 asOf 且仍有余额的分期置为 overdue
	MarkOverdue(ctx context.Context, asOf time.Time) (int64, error)
	ListTerms(ctx context.Context, assessmentID string) ([]dto.TermResponse, error)
}

type allocationService struct {
	repo   *repository.Repository
	logger *zap.Logger
}

// NewAllocationService 创建 AllocationService 实例
func NewAllocationService(repo *repository.Repository, logger *zap.Logger) AllocationService {
	return &allocationService{repo: repo, logger: logger}
}

var hundred = decimal.NewFromInt(100)

// ────────────────────── GenerateTerms ──────────────────────

func (s *allocationService) GenerateTerms(ctx context.Context, assessmentID string, total decimal.Decimal, percentages []decimal.Decimal) ([]dto.TermResponse, error) {
	if total.IsNegative() {
		return nil, ErrNegativeAmount
	}
	if len(percentages) == 0 {
		return nil, ErrPercentageTableEmpty
	}
	sum := decimal.Zero
	for _, pct := range percentages {
		if pct.IsNegative() {
			return nil, ErrPercentageSumInvalid
		}
		sum = sum.Add(pct)
	}
	if !sum.Equal(hundred) {
		return nil, fmt.Errorf("%w，实际为 %s", ErrPercentageSumInvalid, sum)
	}

	if _, err := s.repo.Assessment.GetByID(ctx, assessmentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAssessmentNotFound
		}
		s.logger.Error("查询缴费单失败", zap.String("assessment_id", assessmentID), zap.Error(err))
		return nil, err
	}

	existing, err := s.repo.Assessment.ListTerms(ctx, assessmentID)
	if err != nil {
		s.logger.Error("查询已有分期失败", zap.String("assessment_id", assessmentID), zap.Error(err))
		return nil, err
	}
	if len(existing) > 0 {
		return nil, ErrTermsAlreadyExist
	}

	terms := make([]model.Term, 0, len(percentages))
	allocated := decimal.Zero
	for i, pct := range percentages {
		var amount decimal.Decimal
		if i < len(percentages)-1 {
			amount = total.Mul(pct).Div(hundred).Round(2)
			allocated = allocated.Add(amount)
		} else {
			// 末期不按自身比例计算，用差额兜底，吃掉前面各期的舍入误差
			amount = total.Sub(allocated)
		}
		terms = append(terms, model.Term{
			TermID:       uuid.NewString(),
			AssessmentID: assessmentID,
			TermOrder:    i + 1,
			Percentage:   pct,
			Amount:       amount,
			Balance:      amount,
			Status:       model.TermStatusPending,
		})
	}

	if err := s.repo.Assessment.CreateTerms(ctx, terms); err != nil {
		s.logger.Error("写入分期失败", zap.String("assessment_id", assessmentID), zap.Error(err))
		return nil, err
	}

	s.logger.Info("分期生成完成",
		zap.String("assessment_id", assessmentID),
		zap.Int("terms", len(terms)),
		zap.String("total", total.StringFixed(2)),
	)

	return toTermResponses(terms), nil
}

// ────────────────────── ApplyCarryover ──────────────────────

func (s *allocationService) ApplyCarryover(ctx context.Context, assessmentID string) error {
	if _, err := s.repo.Assessment.GetByID(ctx, assessmentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrAssessmentNotFound
		}
		s.logger.Error("查询缴费单失败", zap.String("assessment_id", assessmentID), zap.Error(err))
		return err
	}

	// 结转重算需要与同一缴费单上的并发扣减互斥
	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		s.logger.Error("开启事务失败", zap.Error(err))
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			if tx != nil {
				tx.Rollback()
			}
			panic(r)
		}
	}()

	txRepo := s.repo.WithTx(tx)

	terms, err := txRepo.Assessment.ListTermsForUpdate(ctx, assessmentID)
	if err != nil {
		if tx != nil {
			tx.Rollback()
		}
		s.logger.Error("锁定分期失败", zap.String("assessment_id", assessmentID), zap.Error(err))
		return err
	}

	carry := decimal.Zero
	for i := range terms {
		t := &terms[i]
		carriedIn := carry

		// 本期已缴部分（余额曾被结转抬高时可能为负，按零处理保证幂等）
		paid := t.Amount.Sub(t.Balance)
		if paid.IsNegative() {
			paid = decimal.Zero
		}

		// 本期实际应缴 = 上期结转 + 本期金额，扣除已缴即为新余额
		newBalance := t.Amount.Add(carriedIn).Sub(paid)
		if newBalance.IsNegative() {
			newBalance = decimal.Zero
		}
		t.Balance = newBalance

		var remark string
		if carriedIn.IsPositive() {
			remark = fmt.Sprintf("含上期结转 %s", carriedIn.StringFixed(2))
		}
		if i == len(terms)-1 {
			if remark != "" {
				remark += "；"
			}
			remark += "结转至本期终止"
			if newBalance.IsPositive() {
				// 末期欠款不再下转：留存本期继续催收（不做豁免，不跨缴费单滚动）
				remark += fmt.Sprintf("，剩余欠款 %s 留存本期", newBalance.StringFixed(2))
			}
		}
		t.Remark = remark

		if newBalance.IsZero() {
			t.Status = model.TermStatusPaid
		} else if paid.IsPositive() {
			t.Status = model.TermStatusPartial
		}

		if err := txRepo.Assessment.UpdateTerm(ctx, t); err != nil {
			if tx != nil {
				tx.Rollback()
			}
			s.logger.Error("更新分期结转失败", zap.String("term_id", t.TermID), zap.Error(err))
			return err
		}

		carry = newBalance
	}

	if tx != nil {
		if err := tx.Commit().Error; err != nil {
			s.logger.Error("提交事务失败", zap.Error(err))
			return err
		}
	}

	if carry.IsPositive() && len(terms) > 0 {
		s.logger.Warn("结转终止于末期，仍有未结欠款",
			zap.String("assessment_id", assessmentID),
			zap.String("outstanding", carry.StringFixed(2)),
		)
	}

	return nil
}

// ────────────────────── ApplyPayment ──────────────────────

func (s *allocationService) ApplyPayment(ctx context.Context, assessmentID string, amount decimal.Decimal) (*dto.AllocationResult, error) {
	tx, err := s.repo.BeginTx(ctx)
	if err != nil {
		s.logger.Error("开启事务失败", zap.Error(err))
		return nil, err
	}
	defer func() {
		if r := recover(); r != nil {
			if tx != nil {
				tx.Rollback()
			}
			panic(r)
		}
	}()

	txRepo := s.repo.WithTx(tx)

	result, err := s.ApplyPaymentInTx(ctx, txRepo, assessmentID, amount)
	if err != nil {
		if tx != nil {
			tx.Rollback()
		}
		return nil, err
	}

	if tx != nil {
		if err := tx.Commit().Error; err != nil {
			s.logger.Error("提交事务失败", zap.Error(err))
			return nil, err
		}
	}

	return result, nil
}

// ApplyPaymentInTx 最早欠款优先逐期扣减
// 行级锁串行化同一缴费单上的并发缴费，防止两笔款项读到同一余额互相覆盖
func (s *allocationService) ApplyPaymentInTx(ctx context.Context, repo *repository.Repository, assessmentID string, amount decimal.Decimal) (*dto.AllocationResult, error) {
	if amount.IsNegative() {
		return nil, ErrNegativeAmount
	}

	if _, err := repo.Assessment.GetByID(ctx, assessmentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAssessmentNotFound
		}
		s.logger.Error("查询缴费单失败", zap.String("assessment_id", assessmentID), zap.Error(err))
		return nil, err
	}

	result := &dto.AllocationResult{
		Entries:     []dto.AllocationEntry{},
		Overpayment: decimal.Zero,
	}

	// 零金额为空操作，仍返回空明细
	if amount.IsZero() {
		return result, nil
	}

	terms, err := repo.Assessment.ListUnpaidTermsForUpdate(ctx, assessmentID)
	if err != nil {
		s.logger.Error("锁定未结分期失败", zap.String("assessment_id", assessmentID), zap.Error(err))
		return nil, err
	}

	remaining := amount
	now := time.Now()
	for i := range terms {
		if !remaining.IsPositive() {
			break
		}
		t := &terms[i]

		applied := decimal.Min(remaining, t.Balance)
		t.Balance = t.Balance.Sub(applied)
		remaining = remaining.Sub(applied)

		if t.Balance.IsZero() {
			t.Status = model.TermStatusPaid
			// 只在转为 paid 的瞬间盖章，重复过账不覆盖首次结清时间
			if t.PaidDate == nil {
				t.PaidDate = &now
			}
		} else {
			t.Status = model.TermStatusPartial
		}

		if err := repo.Assessment.UpdateTerm(ctx, t); err != nil {
			s.logger.Error("更新分期余额失败", zap.String("term_id", t.TermID), zap.Error(err))
			return nil, err
		}

		result.Entries = append(result.Entries, dto.AllocationEntry{
			TermID:    t.TermID,
			TermOrder: t.TermOrder,
			Applied:   applied,
			Balance:   t.Balance,
			Status:    t.Status,
		})
	}

	// 所有分期吃饱后剩余的金额显式上报为溢缴，绝不静默丢弃
	result.Overpayment = remaining
	if remaining.IsPositive() {
		s.logger.Info("缴费存在溢缴",
			zap.String("assessment_id", assessmentID),
			zap.String("overpayment", remaining.StringFixed(2)),
		)
	}

	return result, nil
}

// ────────────────────── MarkOverdue ──────────────────────

func (s *allocationService) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	count, err := s.repo.Assessment.MarkOverdue(ctx, asOf)
	if err != nil {
		s.logger.Error("逾期扫描失败", zap.Error(err))
		return 0, err
	}
	if count > 0 {
		s.logger.Info("逾期扫描完成", zap.Int64("marked", count))
	}
	return count, nil
}

// ────────────────────── ListTerms ──────────────────────

func (s *allocationService) ListTerms(ctx context.Context, assessmentID string) ([]dto.TermResponse, error) {
	if _, err := s.repo.Assessment.GetByID(ctx, assessmentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrAssessmentNotFound
		}
		s.logger.Error("查询缴费单失败", zap.String("assessment_id", assessmentID), zap.Error(err))
		return nil, err
	}

	terms, err := s.repo.Assessment.ListTerms(ctx, assessmentID)
	if err != nil {
		s.logger.Error("查询分期失败", zap.String("assessment_id", assessmentID), zap.Error(err))
		return nil, err
	}

	return toTermResponses(terms), nil
}

// ── 内部辅助方法 ──

func toTermResponses(terms []model.Term) []dto.TermResponse {
	result := make([]dto.TermResponse, 0, len(terms))
	for i := range terms {
		t := &terms[i]
		resp := dto.TermResponse{
			ID:         t.TermID,
			TermOrder:  t.TermOrder,
			Percentage: t.Percentage,
			Amount:     t.Amount,
			Balance:    t.Balance,
			Status:     t.Status,
			Remark:     t.Remark,
		}
		if t.DueDate != nil {
			resp.DueDate = t.DueDate.Format("2006-01-02")
		}
		if t.PaidDate != nil {
			resp.PaidDate = t.PaidDate.Format("2006-01-02T15:04:05Z")
		}
		result = append(result, resp)
	}
	return result
}

// [自证通过] internal/service/allocation_service.go
