package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"motion/internal/constants"
	"motion/internal/ingest"
	"motion/internal/project"
	"motion/internal/protocol"
	"motion/internal/relay"
	"motion/internal/security"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg, kind string, details []string) {
	writeJSON(w, status, protocol.ErrorResponse{Error: msg, Kind: kind, Details: details})
}

func (s *Server) HandleSession(w http.ResponseWriter, r *http.Request) {
	token, err := s.Store.Issue(r.Context())
	if err != nil {
		s.log.Error("❌ Failed to issue session", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to issue session", "", nil)
		return
	}

	s.log.Debug("🔔 Session issued", zap.String("ip", security.GetClientIP(r)))
	writeJSON(w, http.StatusOK, protocol.SessionResponse{Token: token})
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleTrack upgrades to the relay socket. A token in the query string is checked
// before the upgrade; without one the client must send {"token": ...} first.
func (s *Server) HandleTrack(w http.ResponseWriter, r *http.Request) {
	clientIP := security.GetClientIP(r)

	if !security.ValidateOrigin(r, s.Config.AllowedOrigins) {
		s.AuditLogger.LogOriginRejected(clientIP, r.Header.Get("Origin"))
		http.Error(w, constants.MsgOriginNotAllowed, http.StatusForbidden)
		return
	}

	if !s.BruteProtector.Check(clientIP) {
		s.AuditLogger.LogBruteForce(clientIP, constants.MaxAuthAttempts)
		http.Error(w, constants.MsgTooManyAttempts, http.StatusTooManyRequests)
		return
	}

	if !s.ConnLimiter.TryConnect(clientIP) {
		s.AuditLogger.LogConnectionLimit(clientIP)
		http.Error(w, constants.MsgConnectionLimit, http.StatusTooManyRequests)
		return
	}
	defer s.ConnLimiter.Disconnect(clientIP)

	token := r.URL.Query().Get("token")
	if token != "" {
		if !s.Store.Validate(r.Context(), token) {
			s.BruteProtector.RecordFailure(clientIP)
			s.AuditLogger.LogAuthFailure(clientIP, "invalid or missing token")
			http.Error(w, constants.MsgUnauthorized, http.StatusUnauthorized)
			return
		}
		s.BruteProtector.RecordSuccess(clientIP)
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("❌ WebSocket upgrade error", zap.Error(err))
		return
	}

	bridge := relay.NewBridge(conn, token, s.bridgeOptions(clientIP))
	s.log.Debug("🔌 Relay connected", zap.String("bridge", bridge.ID()), zap.String("ip", clientIP))
	st := bridge.Run(s.ctx)
	s.log.Debug("🔌 Relay disconnected",
		zap.String("bridge", bridge.ID()),
		zap.Int64("received", st.Received),
		zap.Int64("results", st.Results),
	)
}

func (s *Server) HandleUpload(w http.ResponseWriter, r *http.Request) {
	clientIP := security.GetClientIP(r)
	projectID := r.PathValue("project")
	if !security.ValidateProjectID(projectID) {
		writeError(w, http.StatusBadRequest, constants.MsgInvalidProject, ingest.KindInvalidProject, nil)
		return
	}

	if err := r.ParseMultipartForm(constants.MultipartMemory); err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			s.Stats.RecordUpload(projectID, ingest.KindTooLarge, err.Error())
			s.AuditLogger.LogUploadRejected(clientIP, projectID, ingest.KindTooLarge)
			writeError(w, http.StatusRequestEntityTooLarge, ingest.ErrUploadTooLarge.Error(), ingest.KindTooLarge, nil)
			return
		}
		writeError(w, http.StatusBadRequest, err.Error(), "", nil)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile(constants.UploadFormField)
	if err != nil {
		writeError(w, http.StatusBadRequest, constants.MsgMissingUploadField, "", nil)
		return
	}
	defer file.Close()

	res, err := s.Ingest.Ingest(r.Context(), projectID, header.Filename, clientIP, file)
	if err != nil {
		kind := ingest.Kind(err)
		writeError(w, statusForKind(kind), err.Error(), kind, ingest.Details(err))
		return
	}

	writeJSON(w, http.StatusOK, protocol.UploadResponse{
		ModelPath: s.modelURL(projectID, res.ModelPath),
		ModelList: s.modelURLs(projectID, res.ModelList),
	})
}

func statusForKind(kind string) int {
	switch kind {
	case ingest.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case ingest.KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) HandleManifest(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("project")
	m, err := s.Projects.Manifest(projectID)
	switch {
	case errors.Is(err, project.ErrInvalidID):
		writeError(w, http.StatusBadRequest, constants.MsgInvalidProject, ingest.KindInvalidProject, nil)
		return
	case errors.Is(err, project.ErrNotFound):
		writeError(w, http.StatusNotFound, constants.MsgManifestNotFound, "", nil)
		return
	case err != nil:
		s.log.Error("❌ Failed to read manifest", zap.String("project", projectID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read manifest", "", nil)
		return
	}

	writeJSON(w, http.StatusOK, protocol.ManifestResponse{
		ModelURL:  s.modelURL(projectID, m.ModelPath),
		ModelList: s.modelURLs(projectID, m.ModelList),
		UpdatedAt: m.UpdatedAt.Format(time.RFC3339),
	})
}

// HandleModelFile serves files from a project's committed model tree.
func (s *Server) HandleModelFile(w http.ResponseWriter, r *http.Request) {
	dir, err := s.Projects.ModelDir(r.PathValue("project"))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	// os.DirFS rejects names that are not fs.ValidPath, so ".." never resolves
	http.ServeFileFS(w, r, os.DirFS(dir), r.PathValue("path"))
}

func modelFilePattern(prefix string) string {
	p := prefix
	if u, err := url.Parse(prefix); err == nil {
		p = u.Path
	}
	return strings.TrimRight(p, "/") + "/{project}/" + constants.ModelDirName + "/{path...}"
}

// modelURL joins MODEL_URL_PREFIX, which may be an absolute URL, with a model path.
func (s *Server) modelURL(projectID, modelPath string) string {
	u, err := url.Parse(s.Config.ModelURLPrefix)
	if err != nil {
		u = &url.URL{}
	}
	u.Path = path.Join("/", u.Path, projectID, constants.ModelDirName, modelPath)
	return u.String()
}

func (s *Server) modelURLs(projectID string, paths []string) []string {
	out := make([]string, len(paths))
	for i, p := range paths {
		out[i] = s.modelURL(projectID, p)
	}
	return out
}
