package webhook

import (
	"errors"
	"net/http"

	httperrors "github.com/jw6ventures/calsync/internal/http/errors"
	"github.com/jw6ventures/calsync/internal/store"
)

// Trigger starts a background pass for a calendar.
type Trigger interface {
	TriggerAsync(cal store.TrackedCalendar)
}

// Handler receives push notifications. The provider only needs a 2xx; the
// pull itself runs after the response is written.
type Handler struct {
	dispatcher *Dispatcher
	trigger    Trigger
}

func NewHandler(d *Dispatcher, trigger Trigger) *Handler {
	return &Handler{dispatcher: d, trigger: trigger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := Notification{
		ChannelID:     r.Header.Get("X-Goog-Channel-ID"),
		Token:         r.Header.Get("X-Goog-Channel-Token"),
		ResourceState: r.Header.Get("X-Goog-Resource-State"),
	}
	if n.ChannelID == "" {
		httperrors.BadRequestError(w, r, errors.New("missing channel id"), "missing channel id")
		return
	}

	cal, err := h.dispatcher.OnNotification(r.Context(), n)
	if errors.Is(err, ErrUnknownChannel) {
		httperrors.ClientError(w, r, http.StatusNotFound, err, "unknown channel")
		return
	}
	if err != nil {
		httperrors.InternalError(w, r, err, "webhook notification")
		return
	}
	if cal != nil {
		h.trigger.TriggerAsync(*cal)
	}
	w.WriteHeader(http.StatusOK)
}
