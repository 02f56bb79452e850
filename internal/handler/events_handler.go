package handler

import (
	"context"
	"encoding/json"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog/log"

	"github.com/fairyhunter13/event-dedup-gateway/internal/model"
	"github.com/fairyhunter13/event-dedup-gateway/internal/service"
)

// ProcessorInterface defines the dedup protocol entrypoint.
type ProcessorInterface interface {
	Process(ctx context.Context, event *model.Event) (service.Outcome, error)
}

// FrameConn is the subset of the websocket connection the session loop
// reads from. Extracted so the loop can be driven by scripted frames in
// tests.
type FrameConn interface {
	ReadMessage() (messageType int, p []byte, err error)
}

// EventsHandler owns websocket sessions on /events. Each connection gets
// an indefinite read loop that decodes one event per frame and hands it to
// the processor in order; the next frame is not read until the previous
// event settles, which bounds in-flight work per client.
type EventsHandler struct {
	processor  ProcessorInterface
	validator  *validator.Validate
	instanceID string
}

// NewEventsHandler creates a new EventsHandler.
func NewEventsHandler(p ProcessorInterface, v *validator.Validate, instanceID string) *EventsHandler {
	return &EventsHandler{processor: p, validator: v, instanceID: instanceID}
}

// Handle serves one upgraded websocket connection until the client
// disconnects. Registered with websocket.New in main.
func (h *EventsHandler) Handle(c *websocket.Conn) {
	h.serve(context.Background(), c, c.RemoteAddr().String())
}

func (h *EventsHandler) serve(ctx context.Context, conn FrameConn, remoteAddr string) {
	log.Info().
		Str("instance_id", h.instanceID).
		Str("remote_addr", remoteAddr).
		Msg("client connected to /events")

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			// Disconnect or fatal transport error. Per-event claims are
			// already settled, so there is nothing to release here.
			log.Info().
				Str("instance_id", h.instanceID).
				Str("remote_addr", remoteAddr).
				Msg("client disconnected from /events")
			return
		}

		var in model.IncomingEvent
		if err := json.Unmarshal(raw, &in); err != nil {
			log.Error().Err(err).Msg("malformed event frame, dropping")
			continue
		}
		if err := h.validator.Struct(&in); err != nil {
			log.Error().
				Err(err).
				Str("event_id", in.EventID).
				Msg("invalid event, dropping")
			continue
		}
		// The max tags count characters; the field limits are in bytes.
		if len(in.EventID) > 255 || len(in.EventType) > 100 {
			log.Error().
				Int("event_id_bytes", len(in.EventID)).
				Int("event_type_bytes", len(in.EventType)).
				Msg("invalid event, field exceeds byte limit, dropping")
			continue
		}

		// No per-event acks: duplicates, transient failures, and successes
		// are indistinguishable to the client, which resends under its own
		// policy and relies on event_id for dedup.
		if _, err := h.processor.Process(ctx, in.ToEvent()); err != nil {
			log.Warn().
				Err(err).
				Str("event_id", in.EventID).
				Bool("retryable", service.IsRetryable(err)).
				Msg("event processing failed")
		}
	}
}
