package handlers

import (
	"net/http"
	"sync"
	"time"

	"github.com/byuoitav/storagearea/store"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	// watchBuffer is how many batches a watcher may fall behind before it is disconnected.
	watchBuffer = 256
	writeWait   = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	EnableCompression: true,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Batch is one websocket message of Watch.
type Batch struct {
	Area    string        `json:"area"`
	Changes store.Changes `json:"changes"`
}

// Watch streams every change batch of the area over a websocket.
func Watch(areas Areas, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		cache, ok := areas.Cache(c.Param("area"))
		if !ok {
			return c.String(http.StatusNotFound, "no such area "+c.Param("area"))
		}

		area := cache.Area()

		batches := make(chan Batch, watchBuffer)
		behind := make(chan struct{})
		var once sync.Once

		// subscribed before the upgrade so the client sees everything after its handshake
		unsub := areas.OnChanged(func(changes store.Changes, name string) {
			if name != area {
				return
			}

			select {
			case batches <- Batch{Area: name, Changes: changes}:
			default:
				once.Do(func() { close(behind) })
			}
		})
		defer unsub()

		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			// the upgrader has already responded
			return nil
		}
		defer ws.Close()

		id := uuid.Must(uuid.NewV7())
		log := log.With(zap.String("area", area), zap.Stringer("watcher", id), zap.Stringer("remote", ws.RemoteAddr()))

		log.Info("Watching area")
		defer log.Info("Stopped watching area")

		closed := make(chan struct{})
		go func() {
			defer close(closed)

			for {
				if _, _, err := ws.NextReader(); err != nil {
					return
				}
			}
		}()

		goodbye := func(code int, reason string) {
			msg := websocket.FormatCloseMessage(code, reason)
			if err := ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
				log.Debug("Unable to send close message", zap.Error(err))
			}
		}

		for {
			select {
			case b := <-batches:
				if err := ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
					return nil
				}

				if err := ws.WriteJSON(b); err != nil {
					log.Warn("Unable to write batch", zap.Error(err))
					return nil
				}
			case <-behind:
				log.Warn("Watcher fell behind")
				goodbye(websocket.CloseTryAgainLater, "fell behind")
				return nil
			case <-areas.Done():
				goodbye(websocket.CloseGoingAway, "server stopping")
				return nil
			case <-closed:
				return nil
			}
		}
	}
}
