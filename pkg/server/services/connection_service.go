package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"

	"bastion-backend/pkg/store"
	"bastion-backend/pkg/types"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// ConnectionService 连接登记表的管理面
// 凭据入库前做base64封装，出库列表一律抹掉敏感列
type ConnectionService struct {
	store  store.Store
	logger zerolog.Logger
}

// NewConnectionService 创建连接管理服务
func NewConnectionService(st store.Store, logger zerolog.Logger) *ConnectionService {
	return &ConnectionService{
		store:  st,
		logger: logger.With().Str("service", "connection").Logger(),
	}
}

// Create 登记一个新连接
func (s *ConnectionService) Create(ctx context.Context, conn *types.Connection) error {
	if conn.Name == "" || conn.Host == "" || conn.Username == "" {
		return fmt.Errorf("%w: name, host and username are required", ErrInvalidRequest)
	}
	if conn.Port <= 0 {
		conn.Port = 22
	}

	switch conn.AuthMethod {
	case types.AuthMethodPassword:
		if conn.Password == "" {
			return fmt.Errorf("%w: password is required for password auth", ErrInvalidRequest)
		}
	case types.AuthMethodPrivateKey:
		if conn.PrivateKey == "" {
			return fmt.Errorf("%w: private_key is required for private_key auth", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown auth method %q", ErrInvalidRequest, conn.AuthMethod)
	}

	conn.Password = encodeSecret(conn.Password)
	conn.PrivateKey = encodeSecret(conn.PrivateKey)
	conn.Passphrase = encodeSecret(conn.Passphrase)

	if err := s.store.CreateConnection(ctx, conn); err != nil {
		return err
	}
	s.logger.Info().Str("name", conn.Name).Str("host", conn.Host).Msg("Connection registered")
	return nil
}

// List 列出全部连接，敏感列置空
func (s *ConnectionService) List(ctx context.Context) ([]*types.Connection, error) {
	conns, err := s.store.ListConnections(ctx)
	if err != nil {
		return nil, err
	}
	for _, conn := range conns {
		redact(conn)
	}
	return conns, nil
}

// Get 按ID查询单个连接，敏感列置空
func (s *ConnectionService) Get(ctx context.Context, id int) (*types.Connection, error) {
	conn, err := s.store.GetConnection(ctx, id)
	if err != nil {
		return nil, err
	}
	redact(conn)
	return conn, nil
}

// Delete 删除连接
func (s *ConnectionService) Delete(ctx context.Context, id int) error {
	return s.store.DeleteConnection(ctx, id)
}

// RegisterRoutes 注册连接管理路由
func (s *ConnectionService) RegisterRoutes(r *gin.Engine) {
	conns := r.Group("/api/connections")
	{
		conns.POST("", s.HandleCreateConnection)
		conns.GET("", s.HandleListConnections)
		conns.GET("/:id", s.HandleGetConnection)
		conns.DELETE("/:id", s.HandleDeleteConnection)
	}
}

// HandleCreateConnection 登记连接
// 凭据字段在模型上不参与JSON序列化，入参单独建类型接收
func (s *ConnectionService) HandleCreateConnection(c *gin.Context) {
	var req struct {
		Name       string           `json:"name" binding:"required"`
		Host       string           `json:"host" binding:"required"`
		Port       int              `json:"port"`
		Username   string           `json:"username" binding:"required"`
		AuthMethod types.AuthMethod `json:"auth_method" binding:"required"`
		Password   string           `json:"password"`
		PrivateKey string           `json:"private_key"`
		Passphrase string           `json:"passphrase"`
		GroupID    int              `json:"group_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	conn := types.Connection{
		Name:       req.Name,
		Host:       req.Host,
		Port:       req.Port,
		Username:   req.Username,
		AuthMethod: req.AuthMethod,
		Password:   req.Password,
		PrivateKey: req.PrivateKey,
		Passphrase: req.Passphrase,
		GroupID:    req.GroupID,
	}

	if err := s.Create(c.Request.Context(), &conn); err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error().Err(err).Msg("Failed to create connection")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	redact(&conn)
	c.JSON(http.StatusCreated, conn)
}

// HandleListConnections 列出连接
func (s *ConnectionService) HandleListConnections(c *gin.Context) {
	conns, err := s.List(c.Request.Context())
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list connections")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"connections": conns})
}

// HandleGetConnection 查询单个连接
func (s *ConnectionService) HandleGetConnection(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	conn, err := s.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Connection not found"})
			return
		}
		s.logger.Error().Err(err).Msg("Failed to get connection")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, conn)
}

// HandleDeleteConnection 删除连接
func (s *ConnectionService) HandleDeleteConnection(c *gin.Context) {
	id, ok := pathID(c, "id")
	if !ok {
		return
	}

	if err := s.Delete(c.Request.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Connection not found"})
			return
		}
		s.logger.Error().Err(err).Msg("Failed to delete connection")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Connection deleted"})
}

func redact(conn *types.Connection) {
	conn.Password = ""
	conn.PrivateKey = ""
	conn.Passphrase = ""
}

func encodeSecret(plain string) string {
	if plain == "" {
		return ""
	}
	return base64.StdEncoding.EncodeToString([]byte(plain))
}
