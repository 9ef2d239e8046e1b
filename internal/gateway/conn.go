package gateway

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"AgentFleet-Chain/internal/observability/metrics"
	"AgentFleet-Chain/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 1 << 20
	sendBufferSize = 64
)

// Conn 包装一条控制连接。写入统一经过 send 队列，
// 由单个写协程串行落盘，避免并发写同一个 websocket。
type Conn struct {
	id   string
	ws   *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(id string, ws *websocket.Conn) *Conn {
	return &Conn{
		id:   id,
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		done: make(chan struct{}),
	}
}

// ID 返回连接标识。
func (c *Conn) ID() string { return c.id }

// Send 将一帧排入发送队列。
// 消费过慢导致队列打满时关闭连接，慢消费方不允许拖垮其它连接。
func (c *Conn) Send(frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		logger.L().Warn("连接发送队列已满，关闭连接", slog.String("conn_id", c.id))
		c.Close()
	}
}

// Close 关闭连接，幂等。
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// writePump 串行写出排队的帧并维持心跳。
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readFrame 读取下一帧，连接关闭或出错时返回 false。
func (c *Conn) readFrame() ([]byte, bool) {
	_, raw, err := c.ws.ReadMessage()
	if err != nil {
		return nil, false
	}
	return raw, true
}

func (c *Conn) prepare() {
	c.ws.SetReadLimit(maxFrameSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	metrics.ConnectionOpened()
}
