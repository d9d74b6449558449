package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	apperrors "github.com/botfleet/orchestrator/internal/errors"
	"github.com/botfleet/orchestrator/internal/events"
	"github.com/botfleet/orchestrator/internal/middleware"
	"github.com/botfleet/orchestrator/internal/model"
)

// InstanceLister supplies the state snapshot sent when a stream opens.
type InstanceLister interface {
	List(ctx context.Context, ownerID string) ([]model.Instance, error)
}

type EventsHandler struct {
	broker    *events.Broker
	instances InstanceLister
	heartbeat time.Duration
}

func NewEventsHandler(broker *events.Broker, instances InstanceLister) *EventsHandler {
	return &EventsHandler{
		broker:    broker,
		instances: instances,
		heartbeat: events.HeartbeatInterval,
	}
}

// GET /v1/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.GetOwnerID(r.Context())
	if ownerID == "" {
		writeError(w, r, apperrors.Unauthorized("Unauthorized"))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, apperrors.Internal("Streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	client := h.broker.Subscribe(ownerID)
	defer h.broker.Unsubscribe(client)

	log.Info().Str("ownerId", ownerID).Msg("event stream established")

	ctx := r.Context()

	if err := h.sendEvent(w, flusher, events.TypeConnected, h.snapshot(ctx, ownerID)); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("ownerId", ownerID).Msg("event stream closed by client")
			return

		case <-client.Done:
			log.Info().Str("ownerId", ownerID).Msg("event stream closed by broker")
			return

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Error().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().Str("ownerId", ownerID).Msg("heartbeat failed, closing stream")
				return
			}
			flusher.Flush()
		}
	}
}

type instanceState struct {
	ID              string                `json:"id"`
	DeploymentState model.DeploymentState `json:"deploymentState"`
	LastActiveAt    *time.Time            `json:"lastActiveAt,omitempty"`
}

func (h *EventsHandler) snapshot(ctx context.Context, ownerID string) map[string]any {
	data := map[string]any{"ownerId": ownerID}
	if h.instances == nil {
		return data
	}

	list, err := h.instances.List(ctx, ownerID)
	if err != nil {
		log.Warn().Err(err).Str("ownerId", ownerID).Msg("failed to load instance snapshot")
		return data
	}

	states := make([]instanceState, 0, len(list))
	for _, inst := range list {
		states = append(states, instanceState{
			ID:              inst.ID,
			DeploymentState: inst.DeploymentState,
			LastActiveAt:    inst.LastActiveAt,
		})
	}
	data["instances"] = states
	return data
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, events.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event events.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
