package syncbus

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// TopicFunc maps the "key" query parameter of a watch request to a bus
// topic. A nil TopicFunc uses the key unchanged.
type TopicFunc func(key string) string

func watchTopic(r *http.Request, topic TopicFunc) (string, string) {
	key := r.URL.Query().Get("key")
	if key == "" || topic == nil {
		return key, key
	}
	return key, topic(key)
}

// SSEHandler streams notifications of a bus topic over Server-Sent
// Events, one "data: <key>" event per notification.
func SSEHandler(bus Bus, topic TopicFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, t := watchTopic(r, topic)
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := bus.Subscribe(ctx, t)
		if err != nil {
			cancel()
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer func() {
			cancel()
			_ = bus.Unsubscribe(context.Background(), t, ch)
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", key); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams notifications of a bus topic over WebSocket,
// one text message carrying the key per notification.
func WebSocketHandler(bus Bus, topic TopicFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, t := watchTopic(r, topic)
		if key == "" {
			http.Error(w, "missing key", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		ch, err := bus.Subscribe(ctx, t)
		if err != nil {
			cancel()
			return
		}
		defer func() {
			cancel()
			_ = bus.Unsubscribe(context.Background(), t, ch)
		}()
		// a closed client surfaces as a read error
		go func() {
			for {
				if _, _, err := conn.NextReader(); err != nil {
					cancel()
					return
				}
			}
		}()
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, []byte(key)); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
