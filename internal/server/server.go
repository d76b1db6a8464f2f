package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"photoshare/internal/app"
	"photoshare/internal/ratelimit"
	"photoshare/internal/usertoken"
	"photoshare/internal/util"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                       *app.App
	TokenVerifier             *usertoken.Verifier
	WebOrigin                 string
	TrustedProxies            []string
	RedisAddr                 string
	RedisPassword             string
	CommentRateLimitPerMinute int
	UploadRateLimitPerMinute  int
}

// Server exposes HTTP endpoints for the backend.
type Server struct {
	app            *app.App
	tokenVerifier  *usertoken.Verifier
	mux            *http.ServeMux
	webOrigin      string
	trustedProxies *util.TrustedProxies
	commentLimiter *ratelimit.FixedWindowLimiter
	uploadLimiter  *ratelimit.FixedWindowLimiter
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server requires app")
	}
	commentLimit := cfg.CommentRateLimitPerMinute
	if commentLimit <= 0 {
		commentLimit = 30
	}
	uploadLimit := cfg.UploadRateLimitPerMinute
	if uploadLimit <= 0 {
		uploadLimit = 60
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return nil, errors.New("server requires redis addr for rate limiting")
	}
	rateRedis := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	commentLimiter, err := ratelimit.NewFixedWindowLimiter(rateRedis, "photoshare:ratelimit:comment", commentLimit, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("init comment limiter: %w", err)
	}
	uploadLimiter, err := ratelimit.NewFixedWindowLimiter(rateRedis, "photoshare:ratelimit:upload", uploadLimit, time.Minute)
	if err != nil {
		return nil, fmt.Errorf("init upload limiter: %w", err)
	}
	trusted, err := util.NewTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("parse trusted proxies: %w", err)
	}
	s := &Server{
		app:            cfg.App,
		tokenVerifier:  cfg.TokenVerifier,
		mux:            http.NewServeMux(),
		webOrigin:      cfg.WebOrigin,
		trustedProxies: trusted,
		commentLimiter: commentLimiter,
		uploadLimiter:  uploadLimiter,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.webOrigin, s.mux))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)

	// photos
	s.mux.Handle("/api/photos", s.authenticated(s.handlePhotos))
	s.mux.Handle("/api/photos/", s.authenticated(s.handlePhotoSubresource))

	// storage
	s.mux.Handle("/api/storage", s.authenticated(s.handleStorageList))
	s.mux.Handle("/api/storage/presign/upload", s.authenticated(s.handlePresignUpload))
	s.mux.Handle("/api/storage/presign/download", s.authenticated(s.handlePresignDownload))
	s.mux.Handle("/api/storage/complete", s.authenticated(s.handleComplete))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrapper
type authHandler func(http.ResponseWriter, *http.Request, string)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		if s.tokenVerifier == nil {
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		userID, err := s.tokenVerifier.VerifySubject(token)
		if err != nil {
			slog.Warn("token verification failed", "path", r.URL.Path, "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized", "unauthorized")
			return
		}
		next(w, r, userID)
	})
}

// GET /api/photos
func (s *Server) handlePhotos(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	params, err := listParamsFromQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", err.Error())
		return
	}
	res, err := s.app.ListPhotos(r.Context(), userID, params)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// /api/photos/{id}/favorite, /api/photos/{id}/comments[/{commentId}]
func (s *Server) handlePhotoSubresource(w http.ResponseWriter, r *http.Request, userID string) {
	path := strings.TrimPrefix(r.URL.Path, "/api/photos/")
	parts := strings.SplitN(path, "/", 3)
	if len(parts) < 2 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	photoID := parts[0]
	switch parts[1] {
	case "favorite":
		if len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		s.handleFavorite(w, r, userID, photoID)
	case "comments":
		if len(parts) == 2 {
			s.handleComments(w, r, userID, photoID)
			return
		}
		if parts[2] == "" || strings.Contains(parts[2], "/") {
			http.NotFound(w, r)
			return
		}
		s.handleCommentByID(w, r, userID, photoID, parts[2])
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) handleFavorite(w http.ResponseWriter, r *http.Request, userID, photoID string) {
	var err error
	switch r.Method {
	case http.MethodPost:
		err = s.app.AddFavorite(r.Context(), userID, photoID)
	case http.MethodDelete:
		err = s.app.RemoveFavorite(r.Context(), userID, photoID)
	default:
		methodNotAllowed(w)
		return
	}
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleComments(w http.ResponseWriter, r *http.Request, userID, photoID string) {
	switch r.Method {
	case http.MethodGet:
		comments, err := s.app.ListComments(r.Context(), photoID)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": comments,
			"count": len(comments),
		})
	case http.MethodPost:
		if !s.allowRate(w, r, s.commentLimiter, "too many comments") {
			return
		}
		var req commentRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
			return
		}
		comment, err := s.app.CreateComment(r.Context(), userID, photoID, req.Body)
		if err != nil {
			s.writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, comment)
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleCommentByID(w http.ResponseWriter, r *http.Request, userID, photoID, commentID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	if err := s.app.DeleteComment(r.Context(), userID, photoID, commentID); err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// GET /api/storage
func (s *Server) handleStorageList(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	q := r.URL.Query()
	params := app.ListStorageParams{
		Prefix:     q.Get("prefix"),
		Token:      q.Get("token"),
		Presign:    queryBool(q.Get("presign"), true),
		OnlyImages: queryBool(q.Get("onlyImages"), true),
	}
	var err error
	if params.Limit, err = queryInt(q.Get("limit"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "limit must be a positive integer")
		return
	}
	if params.TTL, err = queryInt(q.Get("ttl"), 0); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "ttl must be a positive integer")
		return
	}
	listing, err := s.app.ListStorage(r.Context(), params)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listing)
}

// POST /api/storage/presign/upload
func (s *Server) handlePresignUpload(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowRate(w, r, s.uploadLimiter, "too many upload requests") {
		return
	}
	var req presignUploadRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	grant, err := s.app.PresignUpload(r.Context(), req.ContentType, req.Key)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// GET /api/storage/presign/download?key=
func (s *Server) handlePresignDownload(w http.ResponseWriter, r *http.Request, _ string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	grant, err := s.app.PresignDownload(r.Context(), r.URL.Query().Get("key"))
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, grant)
}

// POST /api/storage/complete
func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request, userID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	var req completeRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	q := r.URL.Query()
	ttl, err := queryInt(q.Get("ttl"), 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "validation", "ttl must be a positive integer")
		return
	}
	item, err := s.app.CompleteUpload(r.Context(), userID, app.CompleteParams{
		Key:      req.Key,
		Mime:     req.Mime,
		Bytes:    req.Bytes,
		SHA256:   req.SHA256,
		ExifHint: req.Exif,
		Presign:  queryBool(q.Get("presign"), true),
		TTL:      ttl,
	})
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"item": item})
}

func listParamsFromQuery(r *http.Request) (app.ListParams, error) {
	q := r.URL.Query()
	params := app.ListParams{
		Cursor:  q.Get("cursor"),
		Group:   q.Get("group"),
		Presign: queryBool(q.Get("presign"), true),
	}
	var err error
	if params.Take, err = queryInt(q.Get("take"), 0); err != nil {
		return app.ListParams{}, errors.New("take must be a positive integer")
	}
	if params.TTL, err = queryInt(q.Get("ttl"), 0); err != nil {
		return app.ListParams{}, errors.New("ttl must be a positive integer")
	}
	return params, nil
}

// queryInt parses an optional integer query parameter. Every integer
// parameter on this API has a minimum of 1, and a missing parameter selects
// a default, so an explicit "0" is rejected rather than folded into the
// default.
func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errors.New("zero is out of range")
	}
	return n, nil
}

func queryBool(raw string, def bool) bool {
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

type commentRequest struct {
	Body string `json:"body"`
}

type presignUploadRequest struct {
	ContentType string `json:"contentType"`
	Key         string `json:"key,omitempty"`
}

type completeRequest struct {
	Key    string            `json:"key"`
	Mime   string            `json:"mime"`
	Bytes  int64             `json:"bytes"`
	SHA256 string            `json:"sha256,omitempty"`
	Exif   map[string]string `json:"exif,omitempty"`
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case app.IsValidation(err):
		writeError(w, http.StatusBadRequest, "validation", err.Error())
	case errors.Is(err, app.ErrObjectNotFound):
		writeError(w, http.StatusBadRequest, "object_not_found", err.Error())
	case errors.Is(err, app.ErrPhotoNotFound), errors.Is(err, app.ErrCommentNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", "forbidden")
	default:
		slog.Error("request failed", "path", r.URL.Path, "method", r.Method, "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter *ratelimit.FixedWindowLimiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if limiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "rate_limited", msg)
	return false
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, map[string]string{"error": kind, "message": msg})
}
