package bridge

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/geoyee/seacache/internal/offline"
)

const (
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = 45 * time.Second
	maxFrameSize = 64 * 1024
)

// Backend websocket 端点依赖的服务
type Backend interface {
	Service
	IsOnline(ctx context.Context) bool
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// 渲染端是本地 WebView，来源不固定
	CheckOrigin: func(*http.Request) bool { return true },
}

// Handler 升级为 websocket 并运行会话，连接期间会话注册在 hub 中
func Handler(backend Backend, hub *Hub, logger *slog.Logger) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	if hub == nil {
		hub = NewHub()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("bridge upgrade failed", "error", err)
			return
		}
		serve(r.Context(), conn, backend, hub, logger)
	}
}

func serve(ctx context.Context, conn *websocket.Conn, backend Backend, hub *Hub, logger *slog.Logger) {
	ctx, cancel := context.WithCancel(ctx)
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(msg Message) error {
		data, err := Encode(msg)
		if err != nil {
			return err
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(websocket.TextMessage, data)
	}
	session := NewSession(backend, send, logger)
	hub.add(session)
	defer hub.remove(session)

	conn.SetReadLimit(maxFrameSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		keepAlive(ctx, conn, &writeMu, session, backend, logger)
	}()
	// 关闭连接前先停止 keepAlive
	defer wg.Wait()
	defer cancel()

	session.NotifyNetworkStatus(backend.IsOnline(ctx))

	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Warn("bridge connection closed", "error", err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if kind != websocket.TextMessage {
			logger.Debug("ignoring non-text bridge frame", "kind", kind)
			continue
		}

		msg, err := Decode(data)
		if err != nil {
			logger.Warn("invalid bridge message", "error", err)
			continue
		}
		session.Handle(ctx, msg)
	}
}

// keepAlive 定期发送心跳和网络状态
func keepAlive(ctx context.Context, conn *websocket.Conn, writeMu *sync.Mutex, session *Session, backend Backend, logger *slog.Logger) {
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	check := time.NewTicker(offline.StatusCheckInterval)
	defer check.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ping.C:
			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(writeWait))
			writeMu.Unlock()
			if err != nil {
				logger.Debug("bridge ping failed", "error", err)
				return
			}
		case <-check.C:
			session.NotifyNetworkStatus(backend.IsOnline(ctx))
		}
	}
}
