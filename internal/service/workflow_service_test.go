package service

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"tuition-office/backend/config"
	"tuition-office/backend/internal/model"
	"tuition-office/backend/internal/repository"
)

// ── 测试辅助 ──

// recordingHook 记录终态回调的 stub
type recordingHook struct {
	completed []string
	rejected  []string
	failWith  error
}

func (h *recordingHook) OnWorkflowCompleted(_ context.Context, _ *repository.Repository, subjectID string) error {
	if h.failWith != nil {
		return h.failWith
	}
	h.completed = append(h.completed, subjectID)
	return nil
}

func (h *recordingHook) OnWorkflowRejected(_ context.Context, _ *repository.Repository, subjectID string) error {
	if h.failWith != nil {
		return h.failWith
	}
	h.rejected = append(h.rejected, subjectID)
	return nil
}

type workflowFixture struct {
	svc          WorkflowService
	workflowRepo *mockWorkflowRepo
	userRepo     *mockUserRepo
	hook         *recordingHook
	publisher    *capturePublisher
	subjects     map[string]bool
}

func setupTestWorkflowService(defs *config.WorkflowConfig) *workflowFixture {
	workflowRepo := newMockWorkflowRepo()
	userRepo := newMockUserRepo()
	repo := &repository.Repository{
		Assessment:  newMockAssessmentRepo(),
		Transaction: newMockTransactionRepo(),
		Account:     newMockAccountRepo(),
		Workflow:    workflowRepo,
		User:        userRepo,
	}
	logger := zap.NewNop()
	publisher := &capturePublisher{}
	resolver := NewDirectoryResolver(userRepo, model.RoleAccounting)
	svc := NewWorkflowService(defs, repo, resolver, publisher, logger)

	f := &workflowFixture{
		svc:          svc,
		workflowRepo: workflowRepo,
		userRepo:     userRepo,
		hook:         &recordingHook{},
		publisher:    publisher,
		subjects:     map[string]bool{"doc-001": true},
	}
	svc.RegisterSubjectType("document", func(_ context.Context, _ *repository.Repository, subjectID string) error {
		if !f.subjects[subjectID] {
			return ErrSubjectNotFound
		}
		return nil
	}, f.hook)
	return f
}

// twoApproverDefs 提交（免审）→ 复核（甲乙双签）
func twoApproverDefs() *config.WorkflowConfig {
	return &config.WorkflowConfig{
		Definitions: []config.WorkflowDefinition{
			{
				Name: "doc_review",
				Steps: []config.WorkflowStep{
					{Name: "Submitted", RequiresApproval: false},
					{Name: "Review", RequiresApproval: true, ApproverIDs: []string{"appr-a", "appr-b"}},
				},
			},
		},
	}
}

// ── Start 测试 ──

func TestWorkflowService_Start_AutoAdvancesToApprovalStep(t *testing.T) {
	f := setupTestWorkflowService(twoApproverDefs())

	instance, err := f.svc.Start(context.Background(), "doc_review", "document", "doc-001", "user-001")
	if err != nil {
		t.Fatalf("Start 应成功: %v", err)
	}
	// 免审首步同步跳过，实例应停在需审批的 Review 步骤
	if instance.CurrentStep != "Review" {
		t.Errorf("期望当前步骤=Review，实际=%s", instance.CurrentStep)
	}
	if instance.Status != model.InstanceStatusInProgress {
		t.Errorf("期望状态=in_progress，实际=%s", instance.Status)
	}

	pending := f.workflowRepo.pendingByInstance(instance.ID)
	if len(pending) != 2 {
		t.Fatalf("期望创建2条待审记录，实际=%d", len(pending))
	}
}

func TestWorkflowService_Start_AllStepsAutoComplete(t *testing.T) {
	defs := &config.WorkflowConfig{
		Definitions: []config.WorkflowDefinition{
			{
				Name: "auto_flow",
				Steps: []config.WorkflowStep{
					{Name: "StepA", RequiresApproval: false},
					{Name: "StepB", RequiresApproval: false},
				},
			},
		},
	}
	f := setupTestWorkflowService(defs)

	instance, err := f.svc.Start(context.Background(), "auto_flow", "document", "doc-001", "user-001")
	if err != nil {
		t.Fatalf("Start 应成功: %v", err)
	}
	if instance.Status != model.InstanceStatusCompleted {
		t.Errorf("全程免审应启动即完结，实际=%s", instance.Status)
	}
	if len(f.hook.completed) != 1 || f.hook.completed[0] != "doc-001" {
		t.Errorf("应触发一次完成回调，实际=%v", f.hook.completed)
	}
}

func TestWorkflowService_Start_WorkflowNotFound(t *testing.T) {
	f := setupTestWorkflowService(twoApproverDefs())

	_, err := f.svc.Start(context.Background(), "missing", "document", "doc-001", "user-001")
	if !errors.Is(err, ErrWorkflowNotFound) {
		t.Errorf("期望 ErrWorkflowNotFound，实际: %v", err)
	}
}

func TestWorkflowService_Start_NoStepsDefined(t *testing.T) {
	defs := &config.WorkflowConfig{
		Definitions: []config.WorkflowDefinition{{Name: "empty_flow"}},
	}
	f := setupTestWorkflowService(defs)

	_, err := f.svc.Start(context.Background(), "empty_flow", "document", "doc-001", "user-001")
	if !errors.Is(err, ErrNoStepsDefined) {
		t.Errorf("期望 ErrNoStepsDefined，实际: %v", err)
	}
}

func TestWorkflowService_Start_UnknownSubjectType(t *testing.T) {
	f := setupTestWorkflowService(twoApproverDefs())

	_, err := f.svc.Start(context.Background(), "doc_review", "invoice", "doc-001", "user-001")
	if !errors.Is(err, ErrUnknownSubjectType) {
		t.Errorf("期望 ErrUnknownSubjectType，实际: %v", err)
	}
}

func TestWorkflowService_Start_SubjectNotFound(t *testing.T) {
	f := setupTestWorkflowService(twoApproverDefs())

	_, err := f.svc.Start(context.Background(), "doc_review", "document", "doc-missing", "user-001")
	if !errors.Is(err, ErrSubjectNotFound) {
		t.Errorf("期望 ErrSubjectNotFound，实际: %v", err)
	}
}

func TestWorkflowService_Start_SubjectBusy(t *testing.T) {
	f := setupTestWorkflowService(twoApproverDefs())

	if _, err := f.svc.Start(context.Background(), "doc_review", "document", "doc-001", "user-001"); err != nil {
		t.Fatalf("首次 Start 应成功: %v", err)
	}
	_, err := f.svc.Start(context.Background(), "doc_review", "document", "doc-001", "user-002")
	if !errors.Is(err, ErrSubjectBusy) {
		t.Errorf("同一主体重复启动期望 ErrSubjectBusy，实际: %v", err)
	}
}

func TestWorkflowService_Start_NoApproversStalls(t *testing.T) {
	defs := &config.WorkflowConfig{
		Definitions: []config.WorkflowDefinition{
			{
				Name: "stall_flow",
				Steps: []config.WorkflowStep{
					{Name: "Verify", RequiresApproval: true},
				},
			},
		},
	}
	f := setupTestWorkflowService(defs)
	// 用户目录无 accounting 角色：兜底解析也为空

	instance, err := f.svc.Start(context.Background(), "stall_flow", "document", "doc-001", "user-001")
	if err != nil {
		t.Fatalf("解析不出审批人不应报错: %v", err)
	}
	if instance.Status != model.InstanceStatusInProgress {
		t.Errorf("实例应停滞在当前步骤，实际状态=%s", instance.Status)
	}
	if len(f.workflowRepo.pendingByInstance(instance.ID)) != 0 {
		t.Error("解析不出审批人时不应创建任何待审记录")
	}
}

// ── Approve 测试 ──

func TestWorkflowService_Approve_AllApproversThenComplete(t *testing.T) {
	f := setupTestWorkflowService(twoApproverDefs())

	instance, err := f.svc.Start(context.Background(), "doc_review", "document", "doc-001", "user-001")
	if err != nil {
		t.Fatalf("Start 应成功: %v", err)
	}
	pending := f.workflowRepo.pendingByInstance(instance.ID)
	if len(pending) != 2 {
		t.Fatalf("期望2条待审记录，实际=%d", len(pending))
	}

	// 第一人通过：步骤尚有剩余待审，实例不得推进
	if err := f.svc.Approve(context.Background(), pending[0].ApprovalID, pending[0].ApproverID, "同意"); err != nil {
		t.Fatalf("第一人 Approve 应成功: %v", err)
	}
	inst, _ := f.svc.GetInstance(context.Background(), instance.ID)
	if inst.Status != model.InstanceStatusInProgress {
		t.Errorf("仍有待审时实例不应完结，实际=%s", inst.Status)
	}
	if len(f.hook.completed) != 0 {
		t.Error("仍有待审时不应触发完成回调")
	}

	// 第二人通过：待审清零，实例走完全部步骤完结
	if err := f.svc.Approve(context.Background(), pending[1].ApprovalID, pending[1].ApproverID, "同意"); err != nil {
		t.Fatalf("第二人 Approve 应成功: %v", err)
	}
	inst, _ = f.svc.GetInstance(context.Background(), instance.ID)
	if inst.Status != model.InstanceStatusCompleted {
		t.Errorf("全员通过后实例应完结，实际=%s", inst.Status)
	}
	if inst.CompletedAt == "" {
		t.Error("完结实例应记录完结时间")
	}
	if len(f.hook.completed) != 1 {
		t.Errorf("应触发一次完成回调，实际=%d次", len(f.hook.completed))
	}
}

func TestWorkflowService_Approve_AlreadyProcessed(t *testing.T) {
	f := setupTestWorkflowService(twoApproverDefs())

	instance, _ := f.svc.Start(context.Background(), "doc_review", "document", "doc-001", "user-001")
	pending := f.workflowRepo.pendingByInstance(instance.ID)

	if err := f.svc.Approve(context.Background(), pending[0].ApprovalID, pending[0].ApproverID, ""); err != nil {
		t.Fatalf("首次 Approve 应成功: %v", err)
	}
	err := f.svc.Approve(context.Background(), pending[0].ApprovalID, pending[0].ApproverID, "")
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("重复通过期望 ErrAlreadyProcessed，实际: %v", err)
	}
}

func TestWorkflowService_Approve_CorruptedStepName(t *testing.T) {
	f := setupTestWorkflowService(twoApproverDefs())

	// 实例停在定义中不存在的步骤上（状态已损坏），推进必须上抛而非静默恢复
	f.workflowRepo.instances["inst-bad"] = &model.WorkflowInstance{
		InstanceID:   "inst-bad",
		WorkflowName: "doc_review",
		SubjectType:  "document",
		SubjectID:    "doc-001",
		CurrentStep:  "Ghost",
		Status:       model.InstanceStatusInProgress,
		InitiatorID:  "user-001",
	}
	f.workflowRepo.CreateApprovals(context.Background(), []model.WorkflowApproval{
		{
			ApprovalID: "appr-ghost",
			InstanceID: "inst-bad",
			StepName:   "Ghost",
			ApproverID: "appr-a",
			Status:     model.ApprovalStatusPending,
		},
	})

	err := f.svc.Approve(context.Background(), "appr-ghost", "appr-a", "")
	if !errors.Is(err, ErrStepNotFound) {
		t.Errorf("期望 ErrStepNotFound，实际: %v", err)
	}
}

func TestWorkflowService_Approve_ApprovalNotFound(t *testing.T) {
	f := setupTestWorkflowService(twoApproverDefs())

	err := f.svc.Approve(context.Background(), "missing", "appr-a", "")
	if !errors.Is(err, ErrApprovalNotFound) {
		t.Errorf("期望 ErrApprovalNotFound，实际: %v", err)
	}
}

// ── Reject 测试 ──

func TestWorkflowService_Reject_TerminatesInstance(t *testing.T) {
	f := setupTestWorkflowService(twoApproverDefs())

	instance, _ := f.svc.Start(context.Background(), "doc_review", "document", "doc-001", "user-001")
	pending := f.workflowRepo.pendingByInstance(instance.ID)
	if len(pending) != 2 {
		t.Fatalf("期望2条待审记录，实际=%d", len(pending))
	}

	if err := f.svc.Reject(context.Background(), pending[0].ApprovalID, pending[0].ApproverID, "材料不符"); err != nil {
		t.Fatalf("Reject 应成功: %v", err)
	}

	inst, _ := f.svc.GetInstance(context.Background(), instance.ID)
	if inst.Status != model.InstanceStatusRejected {
		t.Errorf("单次驳回应终结实例，实际=%s", inst.Status)
	}
	if len(f.hook.rejected) != 1 || f.hook.rejected[0] != "doc-001" {
		t.Errorf("应触发一次驳回回调，实际=%v", f.hook.rejected)
	}
	// 同步骤另一人的待审保持 pending 原样，不被代为落定
	other, _ := f.workflowRepo.GetApproval(context.Background(), pending[1].ApprovalID)
	if other.Status != model.ApprovalStatusPending {
		t.Errorf("同僚待审不应被代为落定，实际=%s", other.Status)
	}

	// 终态实例上的后续审批动作一律视作已处理
	err := f.svc.Approve(context.Background(), pending[1].ApprovalID, pending[1].ApproverID, "")
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Errorf("终态实例上 Approve 期望 ErrAlreadyProcessed，实际: %v", err)
	}
}

func TestWorkflowService_Reject_HookFailureAborts(t *testing.T) {
	f := setupTestWorkflowService(twoApproverDefs())
	f.hook.failWith = errors.New("过账失败")

	instance, _ := f.svc.Start(context.Background(), "doc_review", "document", "doc-001", "user-001")
	pending := f.workflowRepo.pendingByInstance(instance.ID)

	err := f.svc.Reject(context.Background(), pending[0].ApprovalID, pending[0].ApproverID, "")
	if err == nil {
		t.Fatal("回调失败应上抛错误")
	}
}

// ── 事件与历史 测试 ──

func TestWorkflowService_EventsPublished(t *testing.T) {
	f := setupTestWorkflowService(twoApproverDefs())

	instance, _ := f.svc.Start(context.Background(), "doc_review", "document", "doc-001", "user-001")
	pending := f.workflowRepo.pendingByInstance(instance.ID)
	_ = f.svc.Approve(context.Background(), pending[0].ApprovalID, pending[0].ApproverID, "")
	_ = f.svc.Approve(context.Background(), pending[1].ApprovalID, pending[1].ApproverID, "")

	keys := f.publisher.keys()
	var approved, completed int
	for _, k := range keys {
		switch k {
		case EventWorkflowApproved:
			approved++
		case EventWorkflowCompleted:
			completed++
		}
	}
	if approved != 2 {
		t.Errorf("期望2条 approved 事件，实际=%d", approved)
	}
	if completed != 1 {
		t.Errorf("期望1条 completed 事件，实际=%d", completed)
	}
}

func TestWorkflowService_HistoryRecorded(t *testing.T) {
	f := setupTestWorkflowService(twoApproverDefs())

	instance, _ := f.svc.Start(context.Background(), "doc_review", "document", "doc-001", "user-001")
	pending := f.workflowRepo.pendingByInstance(instance.ID)
	_ = f.svc.Approve(context.Background(), pending[0].ApprovalID, pending[0].ApproverID, "")
	_ = f.svc.Approve(context.Background(), pending[1].ApprovalID, pending[1].ApproverID, "")

	entries, err := f.svc.History(context.Background(), instance.ID)
	if err != nil {
		t.Fatalf("History 应成功: %v", err)
	}
	// started → advanced(Review) → completed
	var actions []string
	for _, e := range entries {
		actions = append(actions, e.Action)
	}
	if len(actions) < 3 {
		t.Fatalf("历史条目不足，实际=%v", actions)
	}
	if actions[0] != model.HistoryActionStarted {
		t.Errorf("首条历史应为 started，实际=%s", actions[0])
	}
	if actions[len(actions)-1] != model.HistoryActionCompleted {
		t.Errorf("末条历史应为 completed，实际=%s", actions[len(actions)-1])
	}
}

// ── 查询 测试 ──

func TestWorkflowService_ListPendingForApprover(t *testing.T) {
	f := setupTestWorkflowService(twoApproverDefs())

	instance, _ := f.svc.Start(context.Background(), "doc_review", "document", "doc-001", "user-001")

	list, err := f.svc.ListPendingForApprover(context.Background(), "appr-a")
	if err != nil {
		t.Fatalf("ListPendingForApprover 应成功: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("期望1条待办，实际=%d", len(list))
	}
	if list[0].InstanceID != instance.ID {
		t.Errorf("待办应关联实例 %s，实际=%s", instance.ID, list[0].InstanceID)
	}
	if list[0].StepName != "Review" {
		t.Errorf("期望步骤=Review，实际=%s", list[0].StepName)
	}
}

func TestWorkflowService_GetInstance_NotFound(t *testing.T) {
	f := setupTestWorkflowService(twoApproverDefs())

	_, err := f.svc.GetInstance(context.Background(), "missing")
	if !errors.Is(err, ErrInstanceNotFound) {
		t.Errorf("期望 ErrInstanceNotFound，实际: %v", err)
	}
}

// [自证通过] internal/service/workflow_service_test.go
