package app

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"huddle/api/internal/realtime"
	"huddle/api/internal/store"
)

const (
	liveWriteWait  = 10 * time.Second
	livePongWait   = 60 * time.Second
	livePingPeriod = livePongWait * 9 / 10
)

// LiveFrame is one message on a live connection. Data is always the full collection.
type LiveFrame[T any] struct {
	Type  string `json:"type"`
	Topic string `json:"topic"`
	Data  T      `json:"data"`
}

func (s *HTTPServer) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.corsOrigin == "" || s.corsOrigin == "*" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range strings.Split(s.corsOrigin, ",") {
		allowed = strings.TrimSpace(allowed)
		if allowed == origin || allowed == u.Host {
			return true
		}
	}
	return false
}

func (s *HTTPServer) handleLiveComments(c echo.Context) error {
	taskID := c.Param("taskId")
	return serveLive(s, c, realtime.TaskTopic(taskID), func(deliver func([]store.Comment)) func() {
		return s.service.SubscribeComments(taskID, deliver)
	})
}

func (s *HTTPServer) handleLiveNotifications(c echo.Context) error {
	who := callerFrom(c)
	if err := requireRecipient(who); err != nil {
		return err
	}
	return serveLive(s, c, realtime.UserTopic(who.UserID), func(deliver func([]store.Notification)) func() {
		return s.service.SubscribeNotifications(who.UserID, deliver)
	})
}

func (s *HTTPServer) handleLiveActivity(c echo.Context) error {
	projectID := c.Param("projectId")
	return serveLive(s, c, realtime.ProjectTopic(projectID), func(deliver func([]store.Activity)) func() {
		return s.service.SubscribeActivity(projectID, deliver)
	})
}

// serveLive upgrades the request and streams snapshots until the client goes away. A
// slow client only ever gets the newest snapshot; older ones waiting to be written are
// replaced.
func serveLive[T any](s *HTTPServer, c echo.Context, topic realtime.Topic, subscribe func(deliver func(T)) func()) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.String("topic", string(topic)), zap.Error(err))
		return nil
	}
	defer conn.Close()

	latest := make(chan T, 1)
	unsubscribe := subscribe(func(snapshot T) {
		select {
		case latest <- snapshot:
			return
		default:
		}
		select {
		case <-latest:
		default:
		}
		select {
		case latest <- snapshot:
		default:
		}
	})
	defer unsubscribe()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(livePongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(livePongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(livePingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return nil
		case snapshot := <-latest:
			_ = conn.SetWriteDeadline(time.Now().Add(liveWriteWait))
			frame := LiveFrame[T]{Type: "snapshot", Topic: string(topic), Data: snapshot}
			if err := conn.WriteJSON(frame); err != nil {
				s.logger.Debug("live write failed", zap.String("topic", string(topic)), zap.Error(err))
				return nil
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteWait)); err != nil {
				return nil
			}
		}
	}
}
