package websocket

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/charging-platform/station-simulator/internal/logger"
)

// OCPP 1.6 JSON的websocket子协议名
const subprotocolOCPP16 = "ocpp1.6"

// Config 客户端配置
type Config struct {
	// URL 中心系统地址，站点标识会拼接在路径末尾
	URL string
	// StationID 站点标识
	StationID string
	// User/Password 可选的HTTP Basic认证
	User     string
	Password string
	// ConnectionTimeout 握手超时
	ConnectionTimeout time.Duration
	// PingInterval websocket层ping周期，0表示不发ping
	PingInterval time.Duration
}

// Client 到中心系统的websocket连接
// 实现消息引擎的Channel接口。
type Client struct {
	config *Config
	log    *logger.Logger

	connMutex sync.Mutex
	conn      *websocket.Conn
	open      atomic.Bool

	// writeMutex gorilla连接不允许并发写
	writeMutex sync.Mutex

	// onMessage 每收到一帧调用一次
	onMessage func(data []byte)
	// onDisconnect 连接断开时调用一次，主动关闭时err为nil
	onDisconnect func(err error)

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewClient 创建客户端
func NewClient(config *Config, onMessage func([]byte), onDisconnect func(error), log *logger.Logger) *Client {
	if log == nil {
		log = logger.Default()
	}
	return &Client{
		config:       config,
		log:          log.WithStation(config.StationID),
		onMessage:    onMessage,
		onDisconnect: onDisconnect,
	}
}

// Connect 建立连接并启动读循环
func (c *Client) Connect(ctx context.Context) error {
	dialer := websocket.Dialer{
		Subprotocols:     []string{subprotocolOCPP16},
		HandshakeTimeout: c.config.ConnectionTimeout,
	}

	header := http.Header{}
	if c.config.User != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(c.config.User + ":" + c.config.Password))
		header.Set("Authorization", "Basic "+credentials)
	}

	url := strings.TrimSuffix(c.config.URL, "/") + "/" + c.config.StationID
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("websocket dial %s failed with status %d: %w", url, resp.StatusCode, err)
		}
		return fmt.Errorf("websocket dial %s failed: %w", url, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	if conn.Subprotocol() != subprotocolOCPP16 {
		c.log.Warnf("Central system did not negotiate subprotocol %s, got %q", subprotocolOCPP16, conn.Subprotocol())
	}

	loopCtx, cancel := context.WithCancel(context.Background())

	c.connMutex.Lock()
	c.conn = conn
	c.cancel = cancel
	c.connMutex.Unlock()
	c.closed.Store(false)
	c.open.Store(true)

	c.wg.Add(1)
	go c.readLoop(conn)

	if c.config.PingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop(loopCtx, conn)
	}

	c.log.Infof("Connected to %s", url)
	return nil
}

// Send 实现Channel接口
func (c *Client) Send(data []byte) error {
	if !c.open.Load() {
		return fmt.Errorf("websocket channel is not open")
	}

	c.connMutex.Lock()
	conn := c.conn
	c.connMutex.Unlock()
	if conn == nil {
		return fmt.Errorf("websocket channel is not open")
	}

	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// IsOpen 实现Channel接口
func (c *Client) IsOpen() bool {
	return c.open.Load()
}

// Close 主动关闭连接
func (c *Client) Close() error {
	c.closed.Store(true)
	c.open.Store(false)

	c.connMutex.Lock()
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.connMutex.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		c.writeMutex.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMutex.Unlock()
		_ = conn.Close()
	}
	c.wg.Wait()
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			c.open.Store(false)
			if c.closed.Load() {
				c.notifyDisconnect(nil)
			} else {
				c.log.Warnf("Connection lost: %v", err)
				c.notifyDisconnect(err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if c.onMessage != nil {
			c.onMessage(data)
		}
	}
}

func (c *Client) notifyDisconnect(err error) {
	if c.onDisconnect != nil {
		c.onDisconnect(err)
	}
}

func (c *Client) pingLoop(ctx context.Context, conn *websocket.Conn) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.writeMutex.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			c.writeMutex.Unlock()
			if err != nil {
				c.log.Debugf("Ping failed: %v", err)
				return
			}
		}
	}
}
