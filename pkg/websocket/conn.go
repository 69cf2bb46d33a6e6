package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/lk2023060901/xplay/pkg/config"
	"github.com/lk2023060901/xplay/pkg/logger"
)

// HandlerFunc 文本/二进制消息处理函数
type HandlerFunc func(c *Conn, data []byte) error

// Conn WebSocket 连接封装：单写协程 + 读循环 + 心跳
type Conn struct {
	id     string
	ws     *websocket.Conn
	cfg    *Config
	logger logger.Logger

	sendCh    chan []byte
	closeCh   chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

func newConn(ws *websocket.Conn, cfg *Config, l logger.Logger) *Conn {
	if l == nil {
		l = logger.NewNoop()
	}
	c := &Conn{
		id:      uuid.NewString(),
		ws:      ws,
		cfg:     cfg,
		sendCh:  make(chan []byte, cfg.SendQueueSize),
		closeCh: make(chan struct{}),
	}
	c.logger = l.WithFields("conn_id", c.id)
	return c
}

// Upgrade 将 HTTP 请求升级为 WebSocket 连接
func Upgrade(w http.ResponseWriter, r *http.Request, cfg *Config, l logger.Logger) (*Conn, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}

	up := websocket.Upgrader{
		ReadBufferSize:   newCfg.ReadBufferSize,
		WriteBufferSize:  newCfg.WriteBufferSize,
		HandshakeTimeout: newCfg.HandshakeTimeout,
		CheckOrigin:      originChecker(newCfg.AllowedOrigins),
	}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return nil, errors.Join(ErrUpgradeFailed, err)
	}
	return newConn(ws, newCfg, l), nil
}

// Dial 建立客户端连接
func Dial(ctx context.Context, url string, cfg *Config, l logger.Logger) (*Conn, error) {
	newCfg, err := config.MergeConfig(DefaultConfig(), cfg)
	if err != nil {
		return nil, err
	}
	d := websocket.Dialer{
		ReadBufferSize:   newCfg.ReadBufferSize,
		WriteBufferSize:  newCfg.WriteBufferSize,
		HandshakeTimeout: newCfg.HandshakeTimeout,
	}
	ws, _, err := d.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newConn(ws, newCfg, l), nil
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}

// ID 返回连接 ID
func (c *Conn) ID() string {
	return c.id
}

// Done 连接关闭时关闭
func (c *Conn) Done() <-chan struct{} {
	return c.closeCh
}

// SendJSON 异步发送 JSON 文本消息
func (c *Conn) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if c.closed.Load() {
		return ErrConnectionClosed
	}
	select {
	case c.sendCh <- data:
		return nil
	case <-c.closeCh:
		return ErrConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

// Run 启动写协程并阻塞执行读循环，连接关闭后返回
func (c *Conn) Run(handler HandlerFunc) {
	go c.writeLoop()
	c.readLoop(handler)
}

func (c *Conn) readLoop(handler HandlerFunc) {
	defer c.Close()

	if c.cfg.MaxMessageSize > 0 {
		c.ws.SetReadLimit(c.cfg.MaxMessageSize)
	}
	extend := func() {
		if c.cfg.ReadTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
	}
	extend()
	c.ws.SetPongHandler(func(string) error { extend(); return nil })

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("websocket read error", "error", err)
			}
			return
		}
		extend()
		if handler == nil {
			continue
		}
		if err := handler(c, data); err != nil {
			c.logger.Warn("websocket handler error", "error", err)
		}
	}
}

func (c *Conn) writeLoop() {
	defer c.Close()

	var tick <-chan time.Time
	if c.cfg.PingInterval > 0 {
		t := time.NewTicker(c.cfg.PingInterval)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case data := <-c.sendCh:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("websocket write error", "error", err)
				return
			}
		case <-tick:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return
			}
		case <-c.closeCh:
			return
		}
	}
}

// Close 关闭连接（可重复调用）
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closeCh)
		_ = c.ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second),
		)
		_ = c.ws.Close()
	})
	return nil
}
