package server

import "net/http"

// routes builds the HTTP ServeMux with all application routes.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleHealth)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.HandleFunc("GET /test", s.handleTestPage)
	mux.HandleFunc("GET /api/rooms/{roomKey}/messages", s.handleListMessages)
	mux.HandleFunc("POST /api/rooms/{roomKey}/messages", s.handlePostMessage)
	return mux
}
