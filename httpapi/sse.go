package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohans/newsdigest/notify"
)

// streamNotifications holds the request open and relays the user's live
// stream as server-sent events named "notification" and "heartbeat".
func (s *Server) streamNotifications(c echo.Context) error {
	uid := userID(c)
	stream, err := s.svc.SubscribeLiveStream(uid)
	if err != nil {
		return err
	}
	defer stream.Close()

	w := c.Response()
	flusher, ok := w.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusInternalServerError, "streaming not supported")
	}
	w.Header().Set(echo.HeaderContentType, "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := s.log.With("user_id", uid, "stream_id", stream.ID)
	log.Debug("live stream opened")
	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			log.Debug("live stream closed by client")
			return nil
		case <-stream.Done():
			log.Debug("live stream closed by hub")
			return nil
		case ev := <-stream.Events():
			if err := writeEvent(w, ev); err != nil {
				log.Info("live stream write failed", "error", err)
				return nil
			}
			flusher.Flush()
			stream.Touch()
		}
	}
}

func writeEvent(w http.ResponseWriter, ev notify.Event) error {
	var data any = map[string]string{"timestamp": ev.At.UTC().Format("2006-01-02T15:04:05.000Z07:00")}
	if ev.Kind == notify.KindNotification && ev.Notification != nil {
		data = ev.Notification
	}
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Kind, b)
	return err
}
