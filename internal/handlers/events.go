package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/maneesh/hookdrive/internal/protocol"
	"github.com/maneesh/hookdrive/internal/transfer"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// EventsHandler streams the transfer events of one file over a websocket.
// The socket is closed normally once the file's upload ends, or right away
// when no upload of the file is running.
type EventsHandler struct {
	svc *transfer.Service
	l   *log.Entry
}

func NewEventsHandler(svc *transfer.Service) *EventsHandler {
	return &EventsHandler{svc: svc, l: log.WithField("component", "events")}
}

// ServeHTTP handles GET /events/{file_id}
func (eh *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	fileID := mux.Vars(r)["file_id"]
	if _, err := eh.svc.File(r.Context(), fileID); err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		eh.l.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	sub := eh.svc.Broker().Subscribe(fileID)
	defer sub.Close()

	l := eh.l.WithField("file_id", fileID)

	// subscribed first, so an upload ending now still closes the topic
	if !eh.svc.Active(fileID) {
		l.Debug("no running upload, closing subscriber")
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "no active transfer")
		if err := conn.WriteMessage(websocket.CloseMessage, msg); err != nil {
			l.WithError(err).Debug("subscriber dropped")
		}
		return
	}
	l.Debug("subscriber attached")

	gone := make(chan struct{})
	go eh.readPump(conn, gone)

	if err := eh.writePump(conn, sub.Events(), gone); err != nil {
		l.WithError(err).Debug("subscriber dropped")
	}
}

// readPump discards client messages and keeps the read deadline alive until
// the client goes away.
func (eh *EventsHandler) readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				eh.l.WithError(err).Debug("websocket read failed")
			}
			return
		}
	}
}

func (eh *EventsHandler) writePump(conn *websocket.Conn, events <-chan protocol.Event, gone <-chan struct{}) error {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-gone:
			return nil

		case ev, ok := <-events:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "transfer finished")
				return conn.WriteMessage(websocket.CloseMessage, msg)
			}
			data, err := protocol.Encode(ev)
			if err != nil {
				return err
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return err
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}
