package api

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/tcmartin/scarfeed/pkg/feed"
	"github.com/tcmartin/scarfeed/pkg/logging"
)

// handleSSE streams a project's activity feed as Server-Sent Events:
//
//	event: activity   data: FeedItem
//	event: heartbeat  data: {"status":"alive","timestamp":...}
//	event: error      data: {"code":"STREAM_ERROR","message":...}
//
// The stream ends after an error event or when the client goes away.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	projectID := mux.Vars(r)["project_id"]
	verbosity, err := s.parseVerbosity(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, err := s.provider.GetProjectStore().GetProject(r.Context(), projectID); err != nil {
		s.writeStoreError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	log := s.logger.WithFields(logging.F("project_id", projectID), logging.F("verbosity", verbosity))
	log.Info("SSE connection established")

	stream := feed.NewStream(s.provider.GetActivityStore(), s.notifier, projectID, s.streamOptions(verbosity))
	err = stream.Run(r.Context(), func(e feed.Event) error {
		return writeEvent(w, flusher, e)
	})
	if err != nil && r.Context().Err() == nil {
		log.Warn("SSE stream ended", logging.Err(err))
		return
	}
	log.Info("SSE connection closed")
}

// writeEvent writes one SSE frame and flushes it
func writeEvent(w io.Writer, flusher http.Flusher, e feed.Event) error {
	data, err := json.Marshal(e.Payload())
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", e.Type, err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
