package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"anomaly-map/internal/logger"
	"anomaly-map/internal/metrics"
	"anomaly-map/internal/orchestrator"
	"anomaly-map/internal/virtual"
)

// wsMessage：推送给客户端的消息
type wsMessage struct {
	Type    string                     `json:"type"` // visible | status
	Visible []virtual.VirtualizedEvent `json:"visible,omitempty"`
	Status  *orchestrator.Status       `json:"status,omitempty"`
}

// hub：可见集合与取数状态的实时推送
// 约束：订阅回调只向有界队列投递，队列满时丢弃当前消息（可见集合每次为全量推送）；写入只在连接协程内进行
type hub struct {
	o        *orchestrator.Orchestrator
	upgrader websocket.Upgrader
}

func newHub(o *orchestrator.Orchestrator) *hub {
	return &hub{o: o, upgrader: websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}}
}

const (
	wsQueue      = 16
	wsWriteWait  = 5 * time.Second
	wsPingPeriod = 30 * time.Second
)

func (h *hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.L().Debug("ws_upgrade_error", "err", err)
		return
	}
	out := make(chan wsMessage, wsQueue)
	push := func(m wsMessage) {
		select {
		case out <- m:
		default:
			metrics.WSDroppedTotal.Inc()
		}
	}
	unsubVisible := h.o.Subscribe(func(v []virtual.VirtualizedEvent) {
		push(wsMessage{Type: "visible", Visible: v})
	})
	unsubStatus := h.o.SubscribeStatus(func(s orchestrator.Status) {
		st := s
		push(wsMessage{Type: "status", Status: &st})
	})
	metrics.Subscribers.Inc()
	logger.L().Debug("ws_connected", "remote", r.RemoteAddr)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := c.ReadMessage(); err != nil {
				return
			}
		}
	}()

	push(wsMessage{Type: "visible", Visible: h.o.VisibleEvents()})
	ping := time.NewTicker(wsPingPeriod)
	defer func() {
		ping.Stop()
		unsubVisible()
		unsubStatus()
		metrics.Subscribers.Dec()
		c.Close()
		logger.L().Debug("ws_closed", "remote", r.RemoteAddr)
	}()
	for {
		select {
		case <-done:
			return
		case m := <-out:
			_ = c.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.WriteJSON(m); err != nil {
				return
			}
		case <-ping.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
