package web

import (
	"fmt"
	"net/http"
)

// handleSSE streams job/contest change notifications to the dashboard
// page so it can refresh without polling.
func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	// Set headers for SSE
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// Create channel for this client
	messageChan := make(chan string, 10)

	// Register client
	s.sseMu.Lock()
	s.sseClients[messageChan] = true
	s.sseMu.Unlock()

	// Cleanup on disconnect; Shutdown may already have closed and removed
	// the channel.
	defer func() {
		s.sseMu.Lock()
		if _, registered := s.sseClients[messageChan]; registered {
			delete(s.sseClients, messageChan)
			close(messageChan)
		}
		s.sseMu.Unlock()
	}()

	// Get the flusher
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	// Send initial connection message
	fmt.Fprintf(w, "event: connected\ndata: {\"status\":\"connected\"}\n\n")
	flusher.Flush()

	s.logger.Debug("dashboard SSE client connected")

	// Stream events to client
	for {
		select {
		case <-r.Context().Done():
			s.logger.Debug("SSE client disconnected")
			return
		case msg, ok := <-messageChan:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: update\ndata: %s\n\n", msg)
			flusher.Flush()
		}
	}
}
