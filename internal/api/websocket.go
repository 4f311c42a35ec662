package api

import (
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"papertrade/internal/events"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// websocket streams the caller's ledger changes, plus price ticks when
// ?prices=1 is given. Browsers cannot set headers on upgrade, so the token
// may also come from ?token=.
func (s *Server) websocket(c *gin.Context) {
	var (
		userID string
		err    error
	)
	if token := c.Query("token"); token != "" {
		userID, err = s.Tokens.Verify(token)
	} else {
		userID, err = s.Tokens.VerifyHeader(c.GetHeader("Authorization"))
	}
	if err != nil {
		respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
		return
	}
	if s.Bus == nil {
		respondError(c, http.StatusServiceUnavailable, "BUS_UNAVAILABLE", "bus not ready")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Log.Warnf("ws upgrade error: %v", err)
		return
	}
	defer conn.Close()

	userStream, unsubUser := s.Bus.Subscribe(events.UserTopic(userID), 128)
	defer unsubUser()

	var priceStream <-chan events.Event
	if c.Query("prices") == "1" {
		ps, unsubPrices := s.Bus.Subscribe(events.TopicPrices, 256)
		defer unsubPrices()
		priceStream = ps
	}

	// Reader loop: only needed to process pongs and notice the client leaving.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
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

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		var ev events.Event
		var ok bool
		select {
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		case ev, ok = <-userStream:
		case ev, ok = <-priceStream:
		}
		if !ok {
			return
		}
		frame, err := sonic.ConfigDefault.Marshal(ev)
		if err != nil {
			s.Log.Errorf("ws encode %s: %v", ev.Kind, err)
			continue
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			s.Log.Debugf("ws write error: %v", err)
			return
		}
	}
}
