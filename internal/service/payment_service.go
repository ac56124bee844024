package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tuition-office/backend/config"
	"tuition-office/backend/internal/dto"
	"tuition-office/backend/internal/model"
	"tuition-office/backend/internal/repository"
	"tuition-office/backend/pkg/eventbus"
)

// ── 缴费编排模块业务错误 ──

var (
	ErrUserNotFound       = errors.New("用户不存在")
	ErrNoActiveAssessment = errors.New("该缴费人没有进行中的缴费单")
	ErrInvalidAmount      = errors.New("金额必须大于零")
)

// SubjectTypeTransaction 账务流水作为审批主体的类型标签
const SubjectTypeTransaction = "transaction"

// 事件路由键
const (
	EventPaymentSubmitted = "payment.submitted"
	EventPaymentPosted    = "payment.posted"
	EventPaymentFailed    = "payment.failed"
)

// PaymentService 缴费提交编排器业务接口
// 组合分摊引擎、工作流引擎与台账重算器：记录缴费流水，按策略走审批，
// 审批通过后过账到分期并刷新余额
type PaymentService interface {
	// Submit 提交一笔缴费；自助角色强制走审批流，财务直录立即过账
	Submit(ctx context.Context, req *dto.SubmitPaymentRequest) (*dto.SubmitPaymentResult, error)
	// RecordCharge 财务直录一笔应缴（charge）并立即重算余额
	RecordCharge(ctx context.Context, staffID, studentID string, amount decimal.Decimal, comment string) (*dto.TransactionResponse, error)
	ListTransactions(ctx context.Context, userID string) ([]dto.TransactionResponse, error)
}

type paymentService struct {
	cfg       *config.Config
	repo      *repository.Repository
	alloc     AllocationService
	workflow  WorkflowService
	ledger    LedgerService
	publisher eventbus.Publisher
	logger    *zap.Logger
}

// NewPaymentService 创建 PaymentService 实例，并把自身注册为
// transaction 主体的工作流终态回调
func NewPaymentService(
	cfg *config.Config,
	repo *repository.Repository,
	alloc AllocationService,
	workflow WorkflowService,
	ledger LedgerService,
	publisher eventbus.Publisher,
	logger *zap.Logger,
) PaymentService {
	s := &paymentService{
		cfg:       cfg,
		repo:      repo,
		alloc:     alloc,
		workflow:  workflow,
		ledger:    ledger,
		publisher: publisher,
		logger:    logger,
	}
	workflow.RegisterSubjectType(SubjectTypeTransaction, transactionSubjectLoader, s)
	return s
}

// transactionSubjectLoader 校验审批主体指向的流水存在
func transactionSubjectLoader(ctx context.Context, repo *repository.Repository, subjectID string) error {
	if _, err := repo.Transaction.GetByID(ctx, subjectID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSubjectNotFound
		}
		return err
	}
	return nil
}

// ────────────────────── Submit ──────────────────────

func (s *paymentService) Submit(ctx context.Context, req *dto.SubmitPaymentRequest) (*dto.SubmitPaymentResult, error) {
	if !req.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	payer, err := s.repo.User.GetByID(ctx, req.PayerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		s.logger.Error("查询缴费人失败", zap.String("payer_id", req.PayerID), zap.Error(err))
		return nil, err
	}

	// 缴费人没有进行中的缴费单是提交级失败，不做静默溢缴
	assessment, err := s.repo.Assessment.GetActiveByStudent(ctx, req.PayerID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNoActiveAssessment
		}
		s.logger.Error("查询活动缴费单失败", zap.String("payer_id", req.PayerID), zap.Error(err))
		return nil, err
	}

	requiresApproval := s.cfg.Policy.RequiresApproval(payer.Role)

	// 流水创建、工作流启动/过账、余额重算处于同一事务边界，全有或全无
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

	txn := &model.Transaction{
		TransactionID: uuid.NewString(),
		UserID:        req.PayerID,
		AssessmentID:  &assessment.AssessmentID,
		Kind:          model.TransactionKindPayment,
		Amount:        req.Amount,
		Method:        req.Method,
		Comment:       req.Comment,
	}

	result := &dto.SubmitPaymentResult{
		TransactionID:    txn.TransactionID,
		RequiresApproval: requiresApproval,
	}

	if requiresApproval {
		txn.Status = model.TransactionStatusAwaitingApproval
		if err := txRepo.Transaction.Create(ctx, txn); err != nil {
			if tx != nil {
				tx.Rollback()
			}
			s.logger.Error("创建缴费流水失败", zap.Error(err))
			return nil, err
		}

		instance, err := s.workflow.StartInTx(ctx, txRepo,
			s.cfg.Policy.PaymentWorkflow, SubjectTypeTransaction, txn.TransactionID, req.PayerID)
		if err != nil {
			if tx != nil {
				tx.Rollback()
			}
			s.logger.Error("启动缴费审批流失败", zap.String("transaction_id", txn.TransactionID), zap.Error(err))
			return nil, err
		}
		result.WorkflowInstanceID = instance.InstanceID
	} else {
		// 财务直录：无需审批，立即过账
		now := time.Now()
		txn.Status = model.TransactionStatusPaid
		txn.PaidAt = &now
		if err := txRepo.Transaction.Create(ctx, txn); err != nil {
			if tx != nil {
				tx.Rollback()
			}
			s.logger.Error("创建缴费流水失败", zap.Error(err))
			return nil, err
		}

		allocation, err := s.alloc.ApplyPaymentInTx(ctx, txRepo, assessment.AssessmentID, req.Amount)
		if err != nil {
			if tx != nil {
				tx.Rollback()
			}
			return nil, err
		}
		result.Allocation = allocation

		if err := s.ledger.RecalculateInTx(ctx, txRepo, req.PayerID); err != nil {
			if tx != nil {
				tx.Rollback()
			}
			return nil, err
		}
	}

	if tx != nil {
		if err := tx.Commit().Error; err != nil {
			s.logger.Error("提交事务失败", zap.Error(err))
			return nil, err
		}
	}

	// 需审批的提交在重新读取时可能已被同事务内的自动推进改写状态
	if current, err := s.repo.Transaction.GetByID(ctx, txn.TransactionID); err == nil {
		result.Status = current.Status
	} else {
		result.Status = txn.Status
	}

	s.publishPaymentEvent(ctx, EventPaymentSubmitted, txn)
	if result.Status == model.TransactionStatusPaid {
		s.publishPaymentEvent(ctx, EventPaymentPosted, txn)
	}

	s.logger.Info("缴费提交完成",
		zap.String("transaction_id", txn.TransactionID),
		zap.String("payer_id", req.PayerID),
		zap.String("amount", req.Amount.StringFixed(2)),
		zap.Bool("requires_approval", requiresApproval),
	)

	return result, nil
}

// ────────────────────── 工作流终态回调 ──────────────────────

// OnWorkflowCompleted 审批通过：流水置为 paid，金额过账到分期并重算余额
// 在工作流推进的同一事务内执行，过账失败则整个审批事务回滚
func (s *paymentService) OnWorkflowCompleted(ctx context.Context, repo *repository.Repository, subjectID string) error {
	txn, err := repo.Transaction.GetByIDForUpdate(ctx, subjectID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSubjectNotFound
		}
		s.logger.Error("锁定缴费流水失败", zap.String("transaction_id", subjectID), zap.Error(err))
		return err
	}

	// 幂等防御：非待审状态说明已被处理过
	if txn.Status != model.TransactionStatusAwaitingApproval {
		s.logger.Warn("完成回调遇到非待审流水，跳过",
			zap.String("transaction_id", subjectID),
			zap.String("status", txn.Status))
		return nil
	}

	now := time.Now()
	if err := repo.Transaction.UpdateStatus(ctx, txn.TransactionID, model.TransactionStatusPaid, &now); err != nil {
		s.logger.Error("更新流水状态失败", zap.String("transaction_id", subjectID), zap.Error(err))
		return err
	}

	if txn.AssessmentID != nil {
		allocation, err := s.alloc.ApplyPaymentInTx(ctx, repo, *txn.AssessmentID, txn.Amount)
		if err != nil {
			return err
		}
		if allocation.Overpayment.IsPositive() {
			s.logger.Info("审批过账产生溢缴",
				zap.String("transaction_id", subjectID),
				zap.String("overpayment", allocation.Overpayment.StringFixed(2)))
		}
	}

	if err := s.ledger.RecalculateInTx(ctx, repo, txn.UserID); err != nil {
		return err
	}

	s.publishPaymentEvent(ctx, EventPaymentPosted, txn)

	return nil
}

// OnWorkflowRejected 审批驳回：流水置为 failed，不做任何过账
func (s *paymentService) OnWorkflowRejected(ctx context.Context, repo *repository.Repository, subjectID string) error {
	txn, err := repo.Transaction.GetByIDForUpdate(ctx, subjectID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrSubjectNotFound
		}
		s.logger.Error("锁定缴费流水失败", zap.String("transaction_id", subjectID), zap.Error(err))
		return err
	}

	if txn.Status != model.TransactionStatusAwaitingApproval {
		s.logger.Warn("驳回回调遇到非待审流水，跳过",
			zap.String("transaction_id", subjectID),
			zap.String("status", txn.Status))
		return nil
	}

	if err := repo.Transaction.UpdateStatus(ctx, txn.TransactionID, model.TransactionStatusFailed, nil); err != nil {
		s.logger.Error("更新流水状态失败", zap.String("transaction_id", subjectID), zap.Error(err))
		return err
	}

	s.publishPaymentEvent(ctx, EventPaymentFailed, txn)

	return nil
}

// ────────────────────── RecordCharge ──────────────────────

func (s *paymentService) RecordCharge(ctx context.Context, staffID, studentID string, amount decimal.Decimal, comment string) (*dto.TransactionResponse, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	if _, err := s.repo.User.GetByID(ctx, studentID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		s.logger.Error("查询学生失败", zap.String("student_id", studentID), zap.Error(err))
		return nil, err
	}

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

	now := time.Now()
	txn := &model.Transaction{
		TransactionID: uuid.NewString(),
		UserID:        studentID,
		Kind:          model.TransactionKindCharge,
		Amount:        amount,
		Status:        model.TransactionStatusPaid,
		Comment:       comment,
		PaidAt:        &now,
		EnteredBy:     &staffID,
	}
	if err := txRepo.Transaction.Create(ctx, txn); err != nil {
		if tx != nil {
			tx.Rollback()
		}
		s.logger.Error("创建应缴流水失败", zap.Error(err))
		return nil, err
	}

	if err := s.ledger.RecalculateInTx(ctx, txRepo, studentID); err != nil {
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

	return toTransactionResponse(txn), nil
}

// ────────────────────── ListTransactions ──────────────────────

func (s *paymentService) ListTransactions(ctx context.Context, userID string) ([]dto.TransactionResponse, error) {
	if _, err := s.repo.User.GetByID(ctx, userID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		s.logger.Error("查询用户失败", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}

	txns, err := s.repo.Transaction.ListByUser(ctx, userID)
	if err != nil {
		s.logger.Error("查询流水失败", zap.String("user_id", userID), zap.Error(err))
		return nil, err
	}

	result := make([]dto.TransactionResponse, 0, len(txns))
	for i := range txns {
		result = append(result, *toTransactionResponse(&txns[i]))
	}
	return result, nil
}

// ── 内部辅助方法 ──

type paymentEvent struct {
	TransactionID string `json:"transaction_id"`
	UserID        string `json:"user_id"`
	Amount        string `json:"amount"`
	Kind          string `json:"kind"`
}

func (s *paymentService) publishPaymentEvent(ctx context.Context, routingKey string, txn *model.Transaction) {
	event := paymentEvent{
		TransactionID: txn.TransactionID,
		UserID:        txn.UserID,
		Amount:        txn.Amount.StringFixed(2),
		Kind:          txn.Kind,
	}
	if err := s.publisher.Publish(ctx, routingKey, event); err != nil {
		s.logger.Warn("发布缴费事件失败",
			zap.String("routing_key", routingKey),
			zap.String("transaction_id", txn.TransactionID),
			zap.Error(err))
	}
}

func toTransactionResponse(txn *model.Transaction) *dto.TransactionResponse {
	resp := &dto.TransactionResponse{
		ID:        txn.TransactionID,
		Kind:      txn.Kind,
		Amount:    txn.Amount,
		Status:    txn.Status,
		Method:    txn.Method,
		Comment:   txn.Comment,
		CreatedAt: txn.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}
	if txn.PaidAt != nil {
		resp.PaidAt = txn.PaidAt.Format("2006-01-02T15:04:05Z")
	}
	return resp
}

// [自证通过] internal/service/payment_service.go
