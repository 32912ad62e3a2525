package realtime

import (
	"encoding/json"
	"net/http"

	"regexrailroad/internal/protocol"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, protocol.ErrorPayload{Code: code, Message: message})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	infos := s.sessions.List()
	out := make([]protocol.SessionUpdatePayload, 0, len(infos))
	for _, info := range infos {
		out = append(out, sessionPayload(info))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleDetachSession expects the key as one escaped path segment, so
// /src/main.py is addressed as /sessions/%2Fsrc%2Fmain.py.
func (s *Server) handleDetachSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	if !s.sessions.Detach(key) {
		writeError(w, http.StatusNotFound, protocol.CodeSessionNotFound, "no session for "+key)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "detached"})
}

func (s *Server) handleListWindows(w http.ResponseWriter, r *http.Request) {
	infos := s.previews.List()
	out := make([]protocol.PreviewOpenPayload, 0, len(infos))
	for _, info := range infos {
		out = append(out, previewPayload(info))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDismissWindow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	ok, err := s.previews.CloseID(r.Context(), id)
	if !ok {
		writeError(w, http.StatusNotFound, protocol.CodeWindowNotFound, "no preview "+id)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "CLOSE_FAILED", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "dismissed"})
}
