package api

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"stardust/internal/auth"
	"stardust/internal/config"
	"stardust/internal/game"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

type contextKey string

const userContextKey contextKey = "user"

//go:embed inbound.schema.json
var inboundSchemaJSON string

var inboundSchema = jsonschema.MustCompileString("inbound.schema.json", inboundSchemaJSON)

type UserContext struct {
	UserID string
	Email  string
	Token  string
}

// TokenVerifier checks a player's bearer token. *auth.SupabaseClient satisfies it.
type TokenVerifier interface {
	VerifyAccessToken(ctx context.Context, accessToken string) (auth.SupabaseUser, error)
}

type Server struct {
	cfg     config.APIConfig
	log     *slog.Logger
	auth    TokenVerifier
	game    *game.Service
	signups *ipLimiter
	mux     *chi.Mux
}

func New(cfg config.APIConfig, logger *slog.Logger, verifier TokenVerifier, gameSvc *game.Service) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	perMinute := cfg.SignupPerMinute
	if perMinute <= 0 {
		perMinute = 5
	}
	s := &Server{
		cfg:     cfg,
		log:     logger,
		auth:    verifier,
		game:    gameSvc,
		signups: newIPLimiter(perMinute),
		mux:     chi.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	r := s.mux
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/email/inbound", s.handleInbound)
		r.Post("/email/send-mission", s.handleSendMission)
		r.Get("/cron/process-missions", s.handleProcessMissions)
		r.Post("/cron/process-missions", s.handleProcessMissions)

		r.Group(func(r chi.Router) {
			r.Use(s.adminMiddleware)
			r.Get("/admin/players", s.handleAdminPlayers)
			r.Post("/admin/trigger-mission", s.handleTriggerMission)
		})

		r.With(s.signupLimit).Post("/play/signup", s.handleSignup)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Post("/player/create", s.handlePlayerCreate)
			r.Get("/player/state", s.handlePlayerState)
			r.Post("/stardust/earn", s.handleEarn)
			r.Post("/stardust/spend", s.handleSpend)
			r.Post("/reflections", s.handleReflection)
		})
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		user, err := s.auth.VerifyAccessToken(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, fmt.Sprintf("invalid token: %v", err))
			return
		}
		ctx := context.WithValue(r.Context(), userContextKey, UserContext{
			UserID: user.ID,
			Email:  user.Email,
			Token:  token,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) adminMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !auth.SecretMatches(s.cfg.AdminPassword, r.Header.Get("X-Admin-Password")) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) signupLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.signups.allow(clientIP(r)) {
			writeError(w, http.StatusTooManyRequests, "too many signups, try again in a minute")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// cronAuthorized accepts the cron secret as a bearer token or in X-Cron-Secret.
func (s *Server) cronAuthorized(r *http.Request) bool {
	if auth.SecretMatches(s.cfg.CronSecret, bearerToken(r.Header.Get("Authorization"))) {
		return true
	}
	return auth.SecretMatches(s.cfg.CronSecret, r.Header.Get("X-Cron-Secret"))
}

func userFromContext(ctx context.Context) (UserContext, error) {
	v := ctx.Value(userContextKey)
	user, ok := v.(UserContext)
	if !ok || user.Email == "" {
		return UserContext{}, errors.New("missing auth context")
	}
	return user, nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, game.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, game.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, game.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, game.ErrDelivery):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeDomainError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func decodeJSON(r *http.Request, out any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": strings.TrimSpace(message)})
}

func bearerToken(header string) string {
	header = strings.TrimSpace(header)
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
