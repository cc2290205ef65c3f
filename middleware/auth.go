package middleware

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/sessions"
	"go.uber.org/zap"

	"storefront-payment-api/models"
	"storefront-payment-api/services/auth"
	"storefront-payment-api/utils"
)

type contextKey string

const UserContextKey contextKey = "user"

const sessionUserKey = "user_id"

type TokenValidator interface {
	ValidateToken(token string) (*models.AuthUser, error)
}

// Authenticator resolves the storefront user from a bearer token or, for
// browser polling, from the session cookie set on the first bearer request.
type Authenticator struct {
	tokens      TokenValidator
	store       sessions.Store
	sessionName string
	logger      *zap.SugaredLogger
}

func NewCookieStore(secret string, secure bool) *sessions.CookieStore {
	store := sessions.NewCookieStore([]byte(secret))
	store.Options = &sessions.Options{
		Path:     "/api/",
		MaxAge:   3600,
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
	return store
}

func NewAuthenticator(tokens TokenValidator, store sessions.Store, sessionName string, logger *zap.SugaredLogger) *Authenticator {
	if sessionName == "" {
		sessionName = "payment-session"
	}
	return &Authenticator{
		tokens:      tokens,
		store:       store,
		sessionName: sessionName,
		logger:      logger,
	}
}

func (a *Authenticator) RequireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if header := r.Header.Get("Authorization"); header != "" {
			token, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || token == "" {
				utils.SendErrorResponse(w, http.StatusUnauthorized, "Invalid authorization header format")
				return
			}
			user, err := a.tokens.ValidateToken(token)
			if err != nil {
				a.logger.Infow("token validation failed", "remote_addr", r.RemoteAddr, "error", err)
				message := "Authentication failed"
				switch {
				case errors.Is(err, auth.ErrTokenExpired):
					message = "Token expired"
				case errors.Is(err, auth.ErrInvalidToken):
					message = "Invalid token"
				}
				utils.SendErrorResponse(w, http.StatusUnauthorized, message)
				return
			}
			a.remember(w, r, user)
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
			return
		}

		if user := a.fromSession(r); user != nil {
			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
			return
		}
		utils.SendErrorResponse(w, http.StatusUnauthorized, "Missing authorization header")
	})
}

func (a *Authenticator) remember(w http.ResponseWriter, r *http.Request, user *models.AuthUser) {
	if a.store == nil {
		return
	}
	session, err := a.store.Get(r, a.sessionName)
	if err != nil && session == nil {
		a.logger.Warnw("error getting session", "error", err)
		return
	}
	if id, _ := session.Values[sessionUserKey].(int64); id == user.UserID {
		return
	}
	session.Values[sessionUserKey] = user.UserID
	if err := session.Save(r, w); err != nil {
		a.logger.Warnw("error saving session", "error", err)
	}
}

func (a *Authenticator) fromSession(r *http.Request) *models.AuthUser {
	if a.store == nil {
		return nil
	}
	session, err := a.store.Get(r, a.sessionName)
	if err != nil || session == nil {
		return nil
	}
	id, ok := session.Values[sessionUserKey].(int64)
	if !ok || id <= 0 {
		return nil
	}
	return &models.AuthUser{UserID: id}
}

// RequireInternalSecret guards endpoints only the storefront backend may call.
func RequireInternalSecret(secret string, logger *zap.SugaredLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			given := r.Header.Get("X-Internal-Secret")
			if secret == "" || subtle.ConstantTimeCompare([]byte(given), []byte(secret)) != 1 {
				logger.Warnw("internal endpoint access denied", "remote_addr", ClientIP(r), "path", r.URL.Path)
				utils.SendErrorResponse(w, http.StatusUnauthorized, "Unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func WithUser(ctx context.Context, user *models.AuthUser) context.Context {
	return context.WithValue(ctx, UserContextKey, user)
}

func GetUserFromContext(ctx context.Context) *models.AuthUser {
	user, ok := ctx.Value(UserContextKey).(*models.AuthUser)
	if !ok {
		return nil
	}
	return user
}
