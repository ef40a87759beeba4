package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"bastion-backend/pkg/store"
	"bastion-backend/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// PolicyService 实现传输权限策略的评估与管理
type PolicyService struct {
	store  store.Store
	logger zerolog.Logger
}

// NewPolicyService 创建策略服务实例
func NewPolicyService(st store.Store, logger zerolog.Logger) *PolicyService {
	return &PolicyService{
		store:  st,
		logger: logger.With().Str("service", "policy").Logger(),
	}
}

// Evaluate 对一次传输做允许/拒绝裁决
// 按priority降序逐条检查，第一条拒绝即短路返回；没有策略拒绝则放行
func (s *PolicyService) Evaluate(ctx context.Context, pctx types.PolicyContext) types.PolicyDecision {
	policies, err := s.store.ListPolicies(ctx, true)
	if err != nil {
		// 策略读取失败不应阻塞所有传输，记录后放行
		s.logger.Error().Err(err).Msg("Failed to load policies, allowing transfer")
		return types.PolicyDecision{Allowed: true}
	}

	matched := make([]*types.Policy, 0, len(policies))
	for _, p := range policies {
		if s.matchScope(p, pctx) {
			matched = append(matched, p)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority > matched[j].Priority
	})

	for _, p := range matched {
		if decision := checkPolicy(p, pctx); decision != nil {
			s.logger.Info().
				Str("policy", p.Name).
				Str("file", pctx.FileName).
				Str("reason", decision.Reason).
				Msg("Transfer denied by policy")
			return *decision
		}
	}

	return types.PolicyDecision{Allowed: true}
}

// matchScope 判断策略是否适用于当前上下文
func (s *PolicyService) matchScope(p *types.Policy, pctx types.PolicyContext) bool {
	switch p.Scope {
	case types.PolicyScopeGlobal:
		return true
	case types.PolicyScopeUser:
		return p.ScopeID == pctx.UserID
	case types.PolicyScopeConnection:
		return pctx.ConnectionID > 0 && p.ScopeID == pctx.ConnectionID
	case types.PolicyScopeGroup, types.PolicyScopeUserGroup:
		for _, gid := range pctx.GroupIDs {
			if p.ScopeID == gid {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// checkPolicy 检查单条策略；返回nil表示该策略不拒绝
func checkPolicy(p *types.Policy, pctx types.PolicyContext) *types.PolicyDecision {
	deny := func(reason string) *types.PolicyDecision {
		return &types.PolicyDecision{
			Allowed:    false,
			Reason:     reason,
			PolicyID:   p.ID,
			PolicyName: p.Name,
		}
	}

	// 方向检查
	if p.Direction != types.DirectionBoth && p.Direction != pctx.Direction {
		return deny(fmt.Sprintf("policy %q does not permit %s transfers", p.Name, pctx.Direction))
	}

	// 单文件大小上限
	if p.MaxFileSize != nil && pctx.FileSize > *p.MaxFileSize {
		return deny(fmt.Sprintf("policy %q limits file size to %s, got %s",
			p.Name, formatBytes(*p.MaxFileSize), formatBytes(pctx.FileSize)))
	}

	// 扩展名检查；列表解析失败视为该列表不设限制
	ext := fileExtension(pctx.FileName)
	if allowed := parseExtensions(p.AllowedExtensions); len(allowed) > 0 {
		if !containsString(allowed, ext) {
			return deny(fmt.Sprintf("policy %q does not allow .%s files", p.Name, ext))
		}
	}
	if blocked := parseExtensions(p.BlockedExtensions); containsString(blocked, ext) {
		return deny(fmt.Sprintf("policy %q blocks .%s files", p.Name, ext))
	}

	return nil
}

// CreatePolicy 创建策略；名称唯一，作用域与scope_id必须一致
func (s *PolicyService) CreatePolicy(ctx context.Context, policy *types.Policy) error {
	if err := validatePolicy(policy); err != nil {
		return err
	}

	if _, err := s.store.GetPolicyByName(ctx, policy.Name); err == nil {
		return fmt.Errorf("policy %q already exists", policy.Name)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	return s.store.CreatePolicy(ctx, policy)
}

// UpdatePolicy 更新策略
func (s *PolicyService) UpdatePolicy(ctx context.Context, policy *types.Policy) error {
	if err := validatePolicy(policy); err != nil {
		return err
	}

	existing, err := s.store.GetPolicy(ctx, policy.ID)
	if err != nil {
		return err
	}

	if existing.Name != policy.Name {
		if _, err := s.store.GetPolicyByName(ctx, policy.Name); err == nil {
			return fmt.Errorf("policy %q already exists", policy.Name)
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
	}

	return s.store.UpdatePolicy(ctx, policy)
}

// DeletePolicy 删除策略；global策略只能禁用不能删除
func (s *PolicyService) DeletePolicy(ctx context.Context, id uint) error {
	policy, err := s.store.GetPolicy(ctx, id)
	if err != nil {
		return err
	}
	if policy.Scope == types.PolicyScopeGlobal {
		return fmt.Errorf("global policy %q cannot be deleted, disable it instead", policy.Name)
	}
	return s.store.DeletePolicy(ctx, id)
}

// ListPolicies 列出全部策略
func (s *PolicyService) ListPolicies(ctx context.Context) ([]*types.Policy, error) {
	return s.store.ListPolicies(ctx, false)
}

// RegisterRoutes 注册策略管理路由
func (s *PolicyService) RegisterRoutes(r *gin.Engine) {
	policies := r.Group("/api/policies")
	{
		policies.POST("", s.HandleCreatePolicy)
		policies.GET("", s.HandleListPolicies)
		policies.PUT("/:id", s.HandleUpdatePolicy)
		policies.DELETE("/:id", s.HandleDeletePolicy)
		policies.POST("/validate", s.HandleValidateTransfer)
	}
}

// HandleCreatePolicy 创建策略
func (s *PolicyService) HandleCreatePolicy(c *gin.Context) {
	var policy types.Policy
	if err := c.ShouldBindJSON(&policy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := s.CreatePolicy(c.Request.Context(), &policy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, policy)
}

// HandleListPolicies 列出全部策略
func (s *PolicyService) HandleListPolicies(c *gin.Context) {
	policies, err := s.ListPolicies(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list policies")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"policies": policies})
}

// HandleUpdatePolicy 更新策略
func (s *PolicyService) HandleUpdatePolicy(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	var policy types.Policy
	if err := c.ShouldBindJSON(&policy); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	policy.ID = uint(id)

	if err := s.UpdatePolicy(c.Request.Context(), &policy); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Policy not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, policy)
}

// HandleDeletePolicy 删除策略；global策略返回409
func (s *PolicyService) HandleDeletePolicy(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := s.DeletePolicy(c.Request.Context(), uint(id)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Policy not found"})
			return
		}
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Policy deleted"})
}

// HandleValidateTransfer 对一次假想传输做预检，前端提交前探测用
func (s *PolicyService) HandleValidateTransfer(c *gin.Context) {
	userID, ok := currentUserID(c)
	if !ok {
		return
	}

	var req struct {
		ConnectionID int                     `json:"connection_id"`
		GroupIDs     []int                   `json:"group_ids"`
		Direction    types.TransferDirection `json:"direction"`
		FileName     string                  `json:"file_name" binding:"required"`
		FileSize     int64                   `json:"file_size"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Direction == "" {
		req.Direction = types.DirectionUpload
	}

	decision := s.Evaluate(c.Request.Context(), types.PolicyContext{
		UserID:       userID,
		ConnectionID: req.ConnectionID,
		GroupIDs:     req.GroupIDs,
		Direction:    req.Direction,
		FileName:     req.FileName,
		FileSize:     req.FileSize,
	})
	c.JSON(http.StatusOK, decision)
}

// validatePolicy 校验scope与scope_id的一致性
func validatePolicy(policy *types.Policy) error {
	if policy.Name == "" {
		return fmt.Errorf("policy name is required")
	}
	switch policy.Scope {
	case types.PolicyScopeGlobal:
		if policy.ScopeID != 0 {
			return fmt.Errorf("scope_id is forbidden for global policies")
		}
	case types.PolicyScopeUser, types.PolicyScopeConnection, types.PolicyScopeGroup, types.PolicyScopeUserGroup:
		if policy.ScopeID == 0 {
			return fmt.Errorf("scope_id is required for %s policies", policy.Scope)
		}
	default:
		return fmt.Errorf("unknown policy scope: %q", policy.Scope)
	}
	switch policy.Direction {
	case types.DirectionUpload, types.DirectionDownload, types.DirectionBoth, types.DirectionNone:
	default:
		return fmt.Errorf("unknown policy direction: %q", policy.Direction)
	}
	return nil
}

// parseExtensions 解析JSON数组形式的扩展名列表
// 解析失败返回nil：坏数据不能意外封死所有传输
func parseExtensions(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var exts []string
	if err := json.Unmarshal([]byte(raw), &exts); err != nil {
		return nil
	}
	out := make([]string, 0, len(exts))
	for _, e := range exts {
		e = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(e), "."))
		if e != "" {
			out = append(out, e)
		}
	}
	return out
}

// fileExtension 取小写扩展名，不含点
func fileExtension(name string) string {
	i := strings.LastIndex(name, ".")
	if i < 0 || i == len(name)-1 {
		return ""
	}
	return strings.ToLower(name[i+1:])
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// formatBytes 人类可读的字节数
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
