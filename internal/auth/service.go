package auth

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"strings"
)

// Config 描述鉴权服务的配置。
type Config struct {
	Mode Mode   `json:"mode"`
	Keys []Seed `json:"keys"`
}

// Service 负责根据静态密钥表认证请求并裁决权限。
// 密钥只在启动时装载，运行期不支持热更新。
type Service struct {
	mode  Mode
	keys  map[string]*Subject
	audit *slog.Logger
}

// Option 定义可选的服务配置。
type Option func(*Service)

// WithAuditLogger 指定审计日志输出。
func WithAuditLogger(log *slog.Logger) Option {
	return func(s *Service) { s.audit = log }
}

// NewService 根据配置构造鉴权服务。未声明任何密钥时退化为关闭模式。
func NewService(cfg Config, opts ...Option) *Service {
	mode := cfg.Mode
	if mode == "" {
		mode = ModeDisabled
	}
	if mode == ModeStatic && len(cfg.Keys) == 0 {
		mode = ModeDisabled
	}

	s := &Service{mode: mode, keys: make(map[string]*Subject)}
	for _, seed := range cfg.Keys {
		key := strings.TrimSpace(seed.Key)
		if key == "" {
			continue
		}
		subject := &Subject{
			Operator:    seed.Operator,
			Permissions: seed.Permissions,
			Disabled:    seed.Disabled,
		}
		subject.normalise()
		s.keys[key] = subject
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Enabled 报告鉴权是否生效。
func (s *Service) Enabled() bool {
	return s != nil && s.mode != ModeDisabled
}

// AuthenticateRequest 从 Authorization 头解析 Bearer 密钥并返回对应主体。
func (s *Service) AuthenticateRequest(_ context.Context, authorization string) (*Subject, error) {
	token := strings.TrimSpace(authorization)
	if token == "" {
		return nil, ErrMissingKey
	}
	if rest, ok := strings.CutPrefix(token, "Bearer "); ok {
		token = strings.TrimSpace(rest)
	}
	if token == "" {
		return nil, ErrMissingKey
	}

	// 密钥逐条定长比较，认证失败不暴露密钥是否存在。
	for key, subject := range s.keys {
		if subtle.ConstantTimeCompare([]byte(key), []byte(token)) == 1 {
			if subject.Disabled {
				return nil, ErrSubjectRevoked
			}
			return subject.Clone(), nil
		}
	}
	return nil, ErrInvalidKey
}
