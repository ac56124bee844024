package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// 流水类型
const (
	TransactionKindCharge  = "charge"
	TransactionKindPayment = "payment"
)

// 流水状态
const (
	TransactionStatusPending          = "pending"
	TransactionStatusAwaitingApproval = "awaiting_approval"
	TransactionStatusPaid             = "paid"
	TransactionStatusFailed           = "failed"
	TransactionStatusCancelled        = "cancelled"
)

// Transaction 账务流水 — 一条原子台账记录
// 由提交动作创建，仅由审批结果或财务直录修改，正常运营下永不删除；
// 最多被一个活动的工作流实例弱引用（反向引用，非所有权）
type Transaction struct {
	TransactionID string          `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"transaction_id"`
	UserID        string          `gorm:"type:uuid;not null;index"                       json:"user_id"`
	AssessmentID  *string         `gorm:"type:uuid;index"                                json:"assessment_id,omitempty"`
	Kind          string          `gorm:"type:varchar(10);not null"                      json:"kind"`
	Amount        decimal.Decimal `gorm:"type:numeric(12,2);not null"                    json:"amount"`
	Status        string          `gorm:"type:varchar(20);not null;default:'pending'"    json:"status"`
	Method        string          `gorm:"type:varchar(30)"                               json:"method"`
	Comment       string          `gorm:"type:text"                                      json:"comment"`
	PaidAt        *time.Time      `json:"paid_at,omitempty"`
	EnteredBy     *string         `gorm:"type:uuid"                                      json:"entered_by,omitempty"`
	BaseModel
}

// TableName 指定表名
func (Transaction) TableName() string { return "transactions" }

// [自证通过] internal/model/transaction.go
