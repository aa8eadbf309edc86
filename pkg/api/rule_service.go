package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/haolipeng/diag_collect_engine/pkg/engine"
)

// 响应结构体
type Response struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// RuleService 规则服务
type RuleService struct {
	engine *engine.Engine
}

// NewRuleService 创建一个新的规则服务
func NewRuleService(eng *engine.Engine) *RuleService {
	return &RuleService{engine: eng}
}

// GetRules 获取当前生效的规则集
func (rs *RuleService) GetRules(c echo.Context) error {
	current := rs.engine.Rules()
	if current == nil {
		return c.JSON(http.StatusOK, Response{
			Code:    http.StatusOK,
			Message: "规则集尚未加载",
		})
	}

	inert := make(map[string]string, len(current.Inert))
	for name, err := range current.Inert {
		inert[name] = err.Error()
	}

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取规则配置成功",
		Data: map[string]interface{}{
			"generation": current.Generation,
			"rules":      current.Rules,
			"inert":      inert,
		},
	})
}

// GetInstances 获取所有规则实例快照
func (rs *RuleService) GetInstances(c echo.Context) error {
	// 可选按状态过滤
	state := c.QueryParam("state")

	snapshots := rs.engine.ListInstances()
	if state != "" {
		filtered := snapshots[:0]
		for _, snap := range snapshots {
			if strings.EqualFold(snap.State, state) {
				filtered = append(filtered, snap)
			}
		}
		snapshots = filtered
	}

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取规则实例成功",
		Data:    snapshots,
	})
}

// GetInstance 获取单个(规则, 进程)实例快照
func (rs *RuleService) GetInstance(c echo.Context) error {
	rule := c.Param("rule")
	pid, err := strconv.Atoi(c.Param("pid"))
	if err != nil {
		return HandleError(c, NewAPIError(ErrCodeBadRequest, "pid 必须是整数", err))
	}

	snap, ok := rs.engine.GetInstance(rule, pid)
	if !ok {
		return HandleError(c, NewInstanceNotFoundError(rule, pid))
	}

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "获取规则实例成功",
		Data:    snap,
	})
}

// ReloadRules 手动触发规则重载
func (rs *RuleService) ReloadRules(c echo.Context) error {
	current, err := rs.engine.ReloadRules()
	if err != nil {
		return HandleError(c, NewInternalServerError(err))
	}

	logrus.WithFields(logrus.Fields{
		"generation": current.Generation,
		"rules":      len(current.Rules),
		"operation":  "reload_rules",
	}).Info("规则重载成功")

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "规则重载成功",
		Data: map[string]interface{}{
			"generation": current.Generation,
			"rules":      len(current.Rules),
			"inert":      len(current.Inert),
		},
	})
}

// ValidateRule 验证一份规则文档，不加载
func (rs *RuleService) ValidateRule(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return HandleError(c, NewAPIError(ErrCodeBadRequest, "读取请求体失败", err))
	}
	if len(body) == 0 {
		return HandleError(c, NewInvalidRuleFormatError(nil))
	}

	format := "yaml"
	if strings.Contains(c.Request().Header.Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		format = "json"
	}

	rule, err := rs.engine.ValidateRule(body, format)
	if err != nil {
		return HandleError(c, NewRuleValidationError(err))
	}

	return c.JSON(http.StatusOK, Response{
		Code:    http.StatusOK,
		Message: "规则验证通过",
		Data: map[string]interface{}{
			"name":    rule.Name,
			"trigger": rule.Trigger.Type,
			"actions": len(rule.Actions),
		},
	})
}
