package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/sse"

	"planboard/internal/notify"
)

const streamBuffer = 16

// registerStream exposes the user's notices and board refresh signals as
// server-sent events.
func registerStream(api huma.API, hub *notify.Hub) {
	if hub == nil {
		return
	}
	sse.Register(api, huma.Operation{
		OperationID: "stream",
		Method:      http.MethodGet,
		Path:        "/stream",
		Summary:     "Notices and refresh signals for the current user",
	}, map[string]any{
		notify.KindNotice:  notify.Notice{},
		notify.KindRefresh: notify.Signal{},
	}, func(ctx context.Context, _ *struct{}, send sse.Sender) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return
		}
		msgs, cancel := hub.Subscribe(userID, streamBuffer)
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var err error
				switch {
				case msg.Notice != nil:
					err = send.Data(*msg.Notice)
				case msg.Refresh != nil:
					err = send.Data(*msg.Refresh)
				}
				if err != nil {
					return
				}
			}
		}
	})
}
