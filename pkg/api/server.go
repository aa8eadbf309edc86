package api

import (
	"context"
	"fmt"

	"github.com/labstack/echo/v4"

	"github.com/haolipeng/diag_collect_engine/pkg/config"
)

// Server HTTP 服务器
type Server struct {
	echo *echo.Echo
	addr string
}

// NewServer 创建一个新的 HTTP 服务器
func NewServer(cfg *config.Config) *Server {
	e := echo.New()
	e.HideBanner = true

	addr := fmt.Sprintf("%s:%s", cfg.API.Host, cfg.API.Port)

	return &Server{
		echo: e,
		addr: addr,
	}
}

// Start 启动 HTTP 服务器
func (s *Server) Start() error {
	return s.echo.Start(s.addr)
}

// Stop 停止 HTTP 服务器
func (s *Server) Stop(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// GetEcho 获取Echo实例
func (s *Server) GetEcho() *echo.Echo {
	return s.echo
}

// RegisterStatusService 注册引擎状态服务
func (s *Server) RegisterStatusService(svc *StatusService) {
	s.echo.GET("/engine/status", svc.GetEngineStatus)    // 引擎状态摘要
	s.echo.GET("/engine/processes", svc.GetProcesses)    // 当前附加的进程列表
}

// RegisterRuleService 注册规则服务
func (s *Server) RegisterRuleService(rs *RuleService) {
	s.echo.GET("/collectionRules", rs.GetRules)                          // 获取当前规则集
	s.echo.GET("/collectionRules/instances", rs.GetInstances)            // 获取所有规则实例
	s.echo.GET("/collectionRules/instances/:rule/:pid", rs.GetInstance)  // 获取单个规则实例
	s.echo.POST("/collectionRules/reload", rs.ReloadRules)               // 手动重载规则
	s.echo.POST("/collectionRules/validate", rs.ValidateRule)            // 验证规则有效性
}
