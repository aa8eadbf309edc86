package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/haolipeng/diag_collect_engine/pkg/engine"
)

// StatusService 引擎状态服务
type StatusService struct {
	engine *engine.Engine
}

// NewStatusService 创建一个新的状态服务
func NewStatusService(eng *engine.Engine) *StatusService {
	return &StatusService{engine: eng}
}

// GetEngineStatus 获取引擎状态摘要
func (ss *StatusService) GetEngineStatus(c echo.Context) error {
	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取引擎状态成功",
		Data:    ss.engine.Status(),
	})
}

// GetProcesses 获取当前附加的进程列表
func (ss *StatusService) GetProcesses(c echo.Context) error {
	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取进程列表成功",
		Data:    ss.engine.Processes(),
	})
}
