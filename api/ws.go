package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"tlsn-host/shared"
)

const feedWriteTimeout = 10 * time.Second

var feedUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// recordFeedHandler streams record snapshots: the full current list on
// connect, then a fresh snapshot after every store mutation.
func recordFeedHandler(recs RecordService, logger *shared.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := feedUpgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.WithConnection(r.RemoteAddr).Warn("websocket upgrade failed", zap.Error(err))
			return
		}
		log := logger.WithConnection(conn.RemoteAddr().String())
		log.Info("record feed subscriber connected")

		snapshots, cancel := recs.Subscribe()

		// Read pump: the client sends nothing meaningful, but reading is the
		// only way to notice it going away.
		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		defer conn.Close()
		for snapshot := range snapshots {
			_ = conn.SetWriteDeadline(time.Now().Add(feedWriteTimeout))
			if err := conn.WriteJSON(snapshot); err != nil {
				log.Info("record feed subscriber dropped", zap.Error(err))
				cancel()
				return
			}
		}
	}
}
