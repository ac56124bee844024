package service

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"tuition-office/backend/internal/model"
)

// ── Mock AssessmentRepository ──

type mockAssessmentRepo struct {
	assessments map[string]*model.Assessment
	terms       map[string]*model.Term
}

func newMockAssessmentRepo() *mockAssessmentRepo {
	return &mockAssessmentRepo{
		assessments: make(map[string]*model.Assessment),
		terms:       make(map[string]*model.Term),
	}
}

func (m *mockAssessmentRepo) Create(_ context.Context, assessment *model.Assessment) error {
	if assessment.AssessmentID == "" {
		assessment.AssessmentID = fmt.Sprintf("assess-%d", len(m.assessments)+1)
	}
	m.assessments[assessment.AssessmentID] = assessment
	return nil
}

func (m *mockAssessmentRepo) GetByID(_ context.Context, id string) (*model.Assessment, error) {
	if a, ok := m.assessments[id]; ok {
		return a, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockAssessmentRepo) GetActiveByStudent(_ context.Context, studentID string) (*model.Assessment, error) {
	for _, a := range m.assessments {
		if a.StudentID == studentID && a.Status == model.AssessmentStatusActive {
			return a, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockAssessmentRepo) CreateTerms(_ context.Context, terms []model.Term) error {
	for i := range terms {
		cp := terms[i]
		m.terms[cp.TermID] = &cp
	}
	return nil
}

func (m *mockAssessmentRepo) sortedTerms(assessmentID string, unpaidOnly bool) []model.Term {
	var result []model.Term
	for _, t := range m.terms {
		if t.AssessmentID != assessmentID {
			continue
		}
		if unpaidOnly && !t.Balance.IsPositive() {
			continue
		}
		result = append(result, *t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TermOrder < result[j].TermOrder })
	return result
}

func (m *mockAssessmentRepo) ListTerms(_ context.Context, assessmentID string) ([]model.Term, error) {
	return m.sortedTerms(assessmentID, false), nil
}

func (m *mockAssessmentRepo) ListTermsForUpdate(_ context.Context, assessmentID string) ([]model.Term, error) {
	return m.sortedTerms(assessmentID, false), nil
}

func (m *mockAssessmentRepo) ListUnpaidTermsForUpdate(_ context.Context, assessmentID string) ([]model.Term, error) {
	return m.sortedTerms(assessmentID, true), nil
}

func (m *mockAssessmentRepo) UpdateTerm(_ context.Context, term *model.Term) error {
	if _, ok := m.terms[term.TermID]; !ok {
		return gorm.ErrRecordNotFound
	}
	cp := *term
	m.terms[term.TermID] = &cp
	return nil
}

func (m *mockAssessmentRepo) MarkOverdue(_ context.Context, asOf time.Time) (int64, error) {
	var count int64
	for _, t := range m.terms {
		if t.DueDate == nil || !t.DueDate.Before(asOf) || !t.Balance.IsPositive() {
			continue
		}
		if t.Status == model.TermStatusPending || t.Status == model.TermStatusPartial {
			t.Status = model.TermStatusOverdue
			count++
		}
	}
	return count, nil
}

// ── Mock TransactionRepository ──

type mockTransactionRepo struct {
	txns      map[string]*model.Transaction
	order     []string
	idCounter int
}

func newMockTransactionRepo() *mockTransactionRepo {
	return &mockTransactionRepo{txns: make(map[string]*model.Transaction)}
}

func (m *mockTransactionRepo) Create(_ context.Context, txn *model.Transaction) error {
	if txn.TransactionID == "" {
		m.idCounter++
		txn.TransactionID = fmt.Sprintf("txn-%d", m.idCounter)
	}
	cp := *txn
	m.txns[cp.TransactionID] = &cp
	m.order = append(m.order, cp.TransactionID)
	return nil
}

func (m *mockTransactionRepo) GetByID(_ context.Context, id string) (*model.Transaction, error) {
	if t, ok := m.txns[id]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockTransactionRepo) GetByIDForUpdate(ctx context.Context, id string) (*model.Transaction, error) {
	return m.GetByID(ctx, id)
}

func (m *mockTransactionRepo) UpdateStatus(_ context.Context, id, status string, paidAt *time.Time) error {
	t, ok := m.txns[id]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	t.Status = status
	if paidAt != nil {
		t.PaidAt = paidAt
	}
	return nil
}

func (m *mockTransactionRepo) ListByUser(_ context.Context, userID string) ([]model.Transaction, error) {
	var result []model.Transaction
	for i := len(m.order) - 1; i >= 0; i-- {
		t := m.txns[m.order[i]]
		if t.UserID == userID {
			result = append(result, *t)
		}
	}
	return result, nil
}

func (m *mockTransactionRepo) SumCharges(_ context.Context, userID string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, t := range m.txns {
		if t.UserID == userID && t.Kind == model.TransactionKindCharge {
			total = total.Add(t.Amount)
		}
	}
	return total, nil
}

func (m *mockTransactionRepo) SumPaidPayments(_ context.Context, userID string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, t := range m.txns {
		if t.UserID == userID && t.Kind == model.TransactionKindPayment && t.Status == model.TransactionStatusPaid {
			total = total.Add(t.Amount)
		}
	}
	return total, nil
}

// ── Mock AccountRepository ──

type mockAccountRepo struct {
	accounts map[string]*model.Account // key: UserID
}

func newMockAccountRepo() *mockAccountRepo {
	return &mockAccountRepo{accounts: make(map[string]*model.Account)}
}

func (m *mockAccountRepo) GetByUser(_ context.Context, userID string) (*model.Account, error) {
	if a, ok := m.accounts[userID]; ok {
		return a, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockAccountRepo) Create(_ context.Context, account *model.Account) error {
	m.accounts[account.UserID] = account
	return nil
}

func (m *mockAccountRepo) Update(_ context.Context, account *model.Account) error {
	m.accounts[account.UserID] = account
	return nil
}

// ── Mock WorkflowRepository ──

type mockWorkflowRepo struct {
	instances map[string]*model.WorkflowInstance
	approvals map[string]*model.WorkflowApproval
	order     []string // approvals 的插入顺序
	history   []model.WorkflowHistoryEntry
}

func newMockWorkflowRepo() *mockWorkflowRepo {
	return &mockWorkflowRepo{
		instances: make(map[string]*model.WorkflowInstance),
		approvals: make(map[string]*model.WorkflowApproval),
	}
}

func (m *mockWorkflowRepo) CreateInstance(_ context.Context, instance *model.WorkflowInstance) error {
	m.instances[instance.InstanceID] = instance
	return nil
}

func (m *mockWorkflowRepo) GetInstance(_ context.Context, id string) (*model.WorkflowInstance, error) {
	if inst, ok := m.instances[id]; ok {
		return inst, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockWorkflowRepo) GetInstanceForUpdate(ctx context.Context, id string) (*model.WorkflowInstance, error) {
	return m.GetInstance(ctx, id)
}

func (m *mockWorkflowRepo) UpdateInstance(_ context.Context, instance *model.WorkflowInstance) error {
	m.instances[instance.InstanceID] = instance
	return nil
}

func (m *mockWorkflowRepo) GetActiveBySubject(_ context.Context, subjectType, subjectID string) (*model.WorkflowInstance, error) {
	for _, inst := range m.instances {
		if inst.SubjectType == subjectType && inst.SubjectID == subjectID && inst.Status == model.InstanceStatusInProgress {
			return inst, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockWorkflowRepo) CreateApprovals(_ context.Context, approvals []model.WorkflowApproval) error {
	for i := range approvals {
		cp := approvals[i]
		m.approvals[cp.ApprovalID] = &cp
		m.order = append(m.order, cp.ApprovalID)
	}
	return nil
}

func (m *mockWorkflowRepo) GetApproval(_ context.Context, id string) (*model.WorkflowApproval, error) {
	if a, ok := m.approvals[id]; ok {
		return a, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockWorkflowRepo) GetApprovalForUpdate(ctx context.Context, id string) (*model.WorkflowApproval, error) {
	return m.GetApproval(ctx, id)
}

func (m *mockWorkflowRepo) UpdateApproval(_ context.Context, approval *model.WorkflowApproval) error {
	if _, ok := m.approvals[approval.ApprovalID]; !ok {
		return gorm.ErrRecordNotFound
	}
	m.approvals[approval.ApprovalID] = approval
	return nil
}

func (m *mockWorkflowRepo) CountPendingByStep(_ context.Context, instanceID, stepName string) (int64, error) {
	var count int64
	for _, a := range m.approvals {
		if a.InstanceID == instanceID && a.StepName == stepName && a.Status == model.ApprovalStatusPending {
			count++
		}
	}
	return count, nil
}

func (m *mockWorkflowRepo) ListPendingByApprover(_ context.Context, approverID string) ([]model.WorkflowApproval, error) {
	var result []model.WorkflowApproval
	for _, id := range m.order {
		a := m.approvals[id]
		if a.ApproverID == approverID && a.Status == model.ApprovalStatusPending {
			result = append(result, *a)
		}
	}
	return result, nil
}

// pendingByInstance 按实例与步骤取待审列表（测试专用辅助）
func (m *mockWorkflowRepo) pendingByInstance(instanceID string) []*model.WorkflowApproval {
	var result []*model.WorkflowApproval
	for _, id := range m.order {
		a := m.approvals[id]
		if a.InstanceID == instanceID && a.Status == model.ApprovalStatusPending {
			result = append(result, a)
		}
	}
	return result
}

func (m *mockWorkflowRepo) AppendHistory(_ context.Context, entry *model.WorkflowHistoryEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	m.history = append(m.history, *entry)
	return nil
}

func (m *mockWorkflowRepo) ListHistory(_ context.Context, instanceID string) ([]model.WorkflowHistoryEntry, error) {
	var result []model.WorkflowHistoryEntry
	for _, e := range m.history {
		if e.InstanceID == instanceID {
			result = append(result, e)
		}
	}
	return result, nil
}

// ── Mock UserRepository ──

type mockUserRepo struct {
	users map[string]*model.User
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{users: make(map[string]*model.User)}
}

func (m *mockUserRepo) GetByID(_ context.Context, id string) (*model.User, error) {
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, gorm.ErrRecordNotFound
}

func (m *mockUserRepo) ListIDsByRole(_ context.Context, role string) ([]string, error) {
	var ids []string
	for _, u := range m.users {
		if u.Role == role {
			ids = append(ids, u.UserID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// ── 事件捕获 Publisher ──

type capturedEvent struct {
	RoutingKey string
	Payload    interface{}
}

type capturePublisher struct {
	events []capturedEvent
}

func (p *capturePublisher) Publish(_ context.Context, routingKey string, payload interface{}) error {
	p.events = append(p.events, capturedEvent{RoutingKey: routingKey, Payload: payload})
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) keys() []string {
	result := make([]string, 0, len(p.events))
	for _, e := range p.events {
		result = append(result, e.RoutingKey)
	}
	return result
}
