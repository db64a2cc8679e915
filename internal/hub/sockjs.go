package hub

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/igm/sockjs-go/sockjs"
	"go.uber.org/zap"
)

// NewSockJSHandler serves board subscribers under prefix. Clients send
// {"action":"subscribe","specialist_id":...,"target_date":...} to pick a board.
func NewSockJSHandler(prefix string, h *Hub) http.Handler {
	return sockjs.NewHandler(prefix, sockjs.DefaultOptions, func(session sockjs.Session) {
		client := &Client{ID: uuid.NewString(), Send: make(chan []byte, 16)}
		h.Register(client)
		defer func() {
			h.Unregister(client)
			h.logger.Debug("board client disconnected", zap.String("client_id", client.ID), zap.Int("clients", h.Clients()))
		}()
		h.logger.Debug("board client connected", zap.String("client_id", client.ID), zap.Int("clients", h.Clients()))

		go func() {
			for msg := range client.Send {
				_ = session.Send(string(msg))
			}
		}()

		for {
			msg, err := session.Recv()
			if err != nil {
				return
			}
			parsed, ok := ParseSubscribe([]byte(msg))
			if !ok {
				continue
			}
			if parsed.Action == "unsubscribe" {
				h.Unsubscribe(client)
				continue
			}
			h.Subscribe(client, Subscription{
				SpecialistID: parsed.SpecialistID,
				TargetDate:   parsed.TargetDate,
			})
		}
	})
}
