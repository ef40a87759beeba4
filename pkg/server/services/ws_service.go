package services

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// WSService 通过WebSocket向前端推送任务进度事件
type WSService struct {
	hub      *EventHub
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

// NewWSService 创建WebSocket推送服务
func NewWSService(hub *EventHub, logger zerolog.Logger) *WSService {
	return &WSService{
		hub:    hub,
		logger: logger.With().Str("service", "ws").Logger(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 前端与后端同源部署，跨域校验交给外层网关
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// RegisterRoutes 注册WebSocket路由
func (s *WSService) RegisterRoutes(r *gin.Engine) {
	r.GET("/api/ws/tasks", s.HandleTaskEvents)
}

// HandleTaskEvents 升级连接并转发事件流
// 客户端断开或写失败即退订；错过的事件由任务详情接口兜底
func (s *WSService) HandleTaskEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	events := s.hub.Subscribe()
	defer s.hub.Unsubscribe(events)

	// 读循环只用于感知断开
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(event); err != nil {
				s.logger.Debug().Err(err).Msg("WebSocket write failed")
				return
			}
		case <-done:
			return
		}
	}
}
