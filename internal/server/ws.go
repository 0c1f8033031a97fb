package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kivo360/omoios/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// handleEvents streams bus events as JSON text frames. ?replay=N first sends
// up to N retained events (0 or "all" for everything retained); ?types=a,b
// keeps only the listed event types.
func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Log("websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	filter := typeFilter(c.Query("types"))

	// Subscribe before reading history so nothing published in between is lost.
	sub := s.deps.Bus.Subscribe(256)
	defer sub.Close()

	var last uint64
	if replay, ok := replayCount(c.Query("replay")); ok {
		for _, e := range s.deps.Bus.Recent(replay) {
			last = e.Seq
			if !filter(e) {
				continue
			}
			if err := writeEvent(conn, e); err != nil {
				return
			}
		}
	}

	closed := make(chan struct{})
	go func() {
		defer close(closed)
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

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case e, ok := <-sub.C:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "bus closed"),
					time.Now().Add(writeWait))
				return
			}
			if e.Seq <= last || !filter(e) {
				continue
			}
			if err := writeEvent(conn, e); err != nil {
				return
			}
		}
	}
}

func writeEvent(conn *websocket.Conn, e events.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(e)
}

func replayCount(v string) (int, bool) {
	switch v {
	case "":
		return 0, false
	case "all":
		return 0, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func typeFilter(v string) func(events.Event) bool {
	if v == "" {
		return func(events.Event) bool { return true }
	}
	want := make(map[events.Type]bool)
	for _, t := range strings.Split(v, ",") {
		if t = strings.TrimSpace(t); t != "" {
			want[events.Type(t)] = true
		}
	}
	return func(e events.Event) bool { return want[e.Type] }
}
