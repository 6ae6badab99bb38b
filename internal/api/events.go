package api

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gorilla/websocket"
)

// handleEvents streams pipeline events over a websocket. Clients pass
// ?since=<seq> to replay retained events they missed.
func handleEvents(deps Deps, upgrader websocket.Upgrader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var since int64
		if s := r.URL.Query().Get("since"); s != "" {
			v, err := strconv.ParseInt(s, 10, 64)
			if err != nil || v < 0 {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "since must be a non-negative sequence number")
				return
			}
			since = v
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", "error", err)
			return
		}
		defer conn.Close()

		// The read loop only notices the client going away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		for {
			changed := deps.Events.Changed()
			for _, e := range deps.Events.Since(since) {
				if err := conn.WriteJSON(e); err != nil {
					return
				}
				since = e.Seq
			}

			select {
			case <-gone:
				return
			case <-deps.BaseContext.Done():
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			case <-changed:
			}
		}
	}
}
