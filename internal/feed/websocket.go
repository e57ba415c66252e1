package feed

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"crm-dialer/internal/observability"
	"crm-dialer/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// WebSocket streams an organization's feed to a browser client.
type WebSocket struct {
	Sub     Subscriber
	Metrics *observability.Metrics

	upgrader websocket.Upgrader
}

func NewWebSocket(sub Subscriber, metrics *observability.Metrics, allowAnyOrigin bool) *WebSocket {
	return &WebSocket{
		Sub:     sub,
		Metrics: metrics,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

// Serve upgrades the request and writes orgID's events until either side closes.
func (ws *WebSocket) Serve(w http.ResponseWriter, r *http.Request, orgID string) {
	log := logger.From(r.Context()).With("organization_id", orgID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events, err := ws.Sub.Subscribe(ctx, orgID)
	if err != nil {
		log.Error("feed subscribe failed", "err", err)
		http.Error(w, "feed unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := ws.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ws.Metrics.FeedClientConnected(1)
	defer ws.Metrics.FeedClientConnected(-1)

	// The read loop only services control frames and notices the close.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("feed write failed", "err", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
