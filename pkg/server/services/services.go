package services

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// currentUserID 从请求头取调用方身份
// 认证与会话由外层网关处理，这里只消费透传的用户ID
func currentUserID(c *gin.Context) (int, bool) {
	raw := c.GetHeader("X-User-ID")
	if raw == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing X-User-ID header"})
		return 0, false
	}
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid X-User-ID header"})
		return 0, false
	}
	return id, true
}

// pathID 解析路径里的数字ID参数
func pathID(c *gin.Context, name string) (int, bool) {
	id, err := strconv.Atoi(c.Param(name))
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid " + name})
		return 0, false
	}
	return id, true
}
