package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"qms/prayerroom-service/internal/feed"
	"qms/prayerroom-service/internal/store"

	"github.com/igm/sockjs-go/sockjs"
	"go.uber.org/zap"
)

type realtimeReply struct {
	Type    string `json:"type"`
	Table   string `json:"table,omitempty"`
	Filter  string `json:"filter,omitempty"`
	Message string `json:"message,omitempty"`
}

// RealtimeHandler serves the change feed over SockJS at /realtime. Clients
// authenticate with a staff session and then send subscribe messages such as
// {"action":"subscribe","table":"clients","filter":"message_sent=eq.false"}.
func RealtimeHandler(hub *feed.Hub, sessions store.SessionStore, logger *zap.Logger) http.Handler {
	return sockjs.NewHandler("/realtime", sockjs.DefaultOptions, func(session sockjs.Session) {
		req := session.Request()
		sessionID := realtimeSessionID(req)
		if sessionID == "" {
			_ = session.Close(4001, "missing session")
			return
		}
		if _, err := sessions.GetSession(context.Background(), sessionID); err != nil {
			_ = session.Close(4002, "invalid session")
			return
		}

		client := feed.NewClient()
		hub.Register(client)
		defer hub.Unregister(client)
		logger.Debug("realtime client connected", zap.String("client_id", client.ID))

		go func() {
			for event := range client.Send {
				payload, err := json.Marshal(event)
				if err != nil {
					continue
				}
				if err := session.Send(string(payload)); err != nil {
					logger.Debug("realtime send failed", zap.String("client_id", client.ID), zap.Error(err))
				}
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := feed.ParseSubscribe([]byte(msg))
			if !ok {
				sendReply(session, realtimeReply{Type: "error", Message: "unknown message"})
				continue
			}
			if parsed.Action == "unsubscribe" {
				hub.RemoveFilters(client, parsed.Table)
				sendReply(session, realtimeReply{Type: "unsubscribed", Table: parsed.Table})
				continue
			}
			filter, err := feed.ParseFilter(parsed.Table, parsed.Filter)
			if err != nil {
				sendReply(session, realtimeReply{Type: "error", Table: parsed.Table, Filter: parsed.Filter, Message: err.Error()})
				continue
			}
			hub.AddFilter(client, filter)
			sendReply(session, realtimeReply{Type: "subscribed", Table: parsed.Table, Filter: parsed.Filter})
		}
	})
}

func sendReply(session sockjs.Session, reply realtimeReply) {
	payload, err := json.Marshal(reply)
	if err != nil {
		return
	}
	_ = session.Send(string(payload))
}

// realtimeSessionID also accepts ?session_id= because browsers cannot set
// headers on the websocket upgrade.
func realtimeSessionID(r *http.Request) string {
	if sessionID := sessionIDFromRequest(r); sessionID != "" {
		return sessionID
	}
	return strings.TrimSpace(r.URL.Query().Get("session_id"))
}
