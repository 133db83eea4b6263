package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"pkm-engine/internal/bus"
	"pkm-engine/internal/model"
	"pkm-engine/pkg/log"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源，本地桌面客户端的 Origin 不固定
	},
}

// NotificationHandler 提供通知历史查询和 WebSocket 实时推送。
type NotificationHandler struct {
	bus *bus.Bus
}

func NewNotificationHandler(b *bus.Bus) *NotificationHandler {
	return &NotificationHandler{bus: b}
}

// List 返回最近的事件，可按 kinds 过滤。
func (h *NotificationHandler) List(c *gin.Context) {
	limit, err := queryInt(c, "limit", 50)
	if err != nil {
		fail(c, "Notifications", err)
		return
	}
	kinds := eventKinds(c)
	events := make([]model.SyncEvent, 0)
	for _, ev := range h.bus.Recent(0) {
		if len(kinds) == 0 || containsKind(kinds, ev.Kind) {
			events = append(events, ev)
		}
	}
	if limit > 0 && len(events) > limit {
		events = events[len(events)-limit:]
	}
	ok(c, "获取通知成功", gin.H{"events": events})
}

// Stream 把总线事件以 JSON 文本帧推送给 WebSocket 客户端，直到任一方断开。
func (h *NotificationHandler) Stream(c *gin.Context) {
	kinds := eventKinds(c)
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Errorf("[Notifications] WebSocket 升级失败: %v", err)
		return
	}
	defer conn.Close()

	sub := h.bus.Subscribe(kinds...)
	defer sub.Close()
	log.Infof("[Notifications] WebSocket 订阅已建立, kinds=%v", kinds)

	// 读循环只用于处理 pong 和感知断开
	closed := make(chan struct{})
	conn.SetReadLimit(1024)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()
	for {
		select {
		case ev, open := <-sub.C:
			if !open {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Warnf("[Notifications] 推送事件失败: %v", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			if n := sub.Dropped(); n > 0 {
				log.Infof("[Notifications] 连接关闭, 期间丢弃 %d 个事件", n)
			}
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func eventKinds(c *gin.Context) []model.SyncEventKind {
	var kinds []model.SyncEventKind
	for _, k := range queryList(c, "kinds") {
		kinds = append(kinds, model.SyncEventKind(k))
	}
	return kinds
}

func containsKind(kinds []model.SyncEventKind, k model.SyncEventKind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}
