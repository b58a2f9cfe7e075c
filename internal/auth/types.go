package auth

import (
	"errors"
	"sort"
	"strings"
)

// Mode 表示鉴权的工作模式。
type Mode string

const (
	// ModeDisabled 关闭鉴权，所有请求直接放行。
	ModeDisabled Mode = "disabled"
	// ModeStatic 使用配置中静态声明的 API 密钥。
	ModeStatic Mode = "static"
)

var (
	// ErrMissingKey 表示请求未携带 API 密钥。
	ErrMissingKey = errors.New("auth: missing api key")
	// ErrInvalidKey 表示 API 密钥不存在或不匹配。
	ErrInvalidKey = errors.New("auth: invalid api key")
	// ErrSubjectRevoked 表示密钥对应的操作者已被禁用。
	ErrSubjectRevoked = errors.New("auth: subject revoked")
	// ErrPermissionDenied 表示操作者缺少所需权限。
	ErrPermissionDenied = errors.New("auth: permission denied")
)

// Seed 是配置文件中静态声明的一条 API 密钥。
type Seed struct {
	Key         string   `json:"key"`
	Operator    string   `json:"operator"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// Subject 是通过鉴权的操作者视图。
type Subject struct {
	Operator    string
	Permissions []string
	Disabled    bool

	permSet map[string]struct{}
}

func (s *Subject) normalise() {
	if s == nil || s.permSet != nil {
		return
	}
	s.Permissions = dedupeStrings(s.Permissions)
	s.permSet = make(map[string]struct{}, len(s.Permissions))
	for _, p := range s.Permissions {
		s.permSet[p] = struct{}{}
	}
}

// Clone 返回主体的深拷贝。
func (s *Subject) Clone() *Subject {
	if s == nil {
		return nil
	}
	clone := &Subject{
		Operator:    s.Operator,
		Permissions: append([]string(nil), s.Permissions...),
		Disabled:    s.Disabled,
	}
	clone.normalise()
	return clone
}

// Authorize 校验主体是否同时拥有给定的全部权限。
// 拥有通配权限 "*" 的主体通过所有校验。
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrPermissionDenied
	}
	s.normalise()
	if s.Disabled {
		return ErrSubjectRevoked
	}
	if _, ok := s.permSet["*"]; ok {
		return nil
	}
	for _, perm := range perms {
		if _, ok := s.permSet[strings.ToLower(strings.TrimSpace(perm))]; !ok {
			return ErrPermissionDenied
		}
	}
	return nil
}

func dedupeStrings(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		value = strings.ToLower(strings.TrimSpace(value))
		if value == "" {
			continue
		}
		seen[value] = struct{}{}
	}
	result := make([]string, 0, len(seen))
	for key := range seen {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}
