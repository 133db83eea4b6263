package service

import (
	"context"
	"time"
)

// PingFunc 检查一个依赖是否可用。
type PingFunc func(ctx context.Context) error

// HealthStatus 是 health 的返回值。
type HealthStatus struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// HealthService 汇总各依赖的可用性。值为 nil 的检查项报告为 disabled。
type HealthService struct {
	checks  map[string]PingFunc
	timeout time.Duration
}

func NewHealthService(checks map[string]PingFunc) *HealthService {
	return &HealthService{checks: checks, timeout: 2 * time.Second}
}

// Check 任一依赖不可用时整体状态为 degraded。
func (s *HealthService) Check(ctx context.Context) *HealthStatus {
	out := &HealthStatus{Status: "healthy", Services: make(map[string]string, len(s.checks))}
	for name, ping := range s.checks {
		if ping == nil {
			out.Services[name] = "disabled"
			continue
		}
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := ping(cctx)
		cancel()
		if err != nil {
			out.Services[name] = "unavailable"
			out.Status = "degraded"
			continue
		}
		out.Services[name] = "healthy"
	}
	return out
}
