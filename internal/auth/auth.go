package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"

	"github.com/Cstolworthy/AgentParty/internal/config"
)

// DevUserID identifies the caller when authentication is bypassed.
const DevUserID = "dev@localhost"

const (
	stateCookie   = "oauthstate"
	sessionCookie = "id_token"
	// landingPath is where browsers go after login and logout.
	landingPath = "/docs"
)

var errNoCredentials = errors.New("no credentials")

type contextKey struct{}

// WithUserID returns a copy of ctx carrying the authenticated user id.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, contextKey{}, userID)
}

// UserID returns the authenticated user id stored by RequireAuth.
func UserID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(contextKey{}).(string)
	return id, ok && id != ""
}

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Auth contains configuration and helpers for performing OpenID Connect
// authentication with an Okta tenant.
type Auth struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	logger       Logger
	authBypass   bool
	secure       bool
}

// New creates a new Auth object using values from the application
// configuration. It establishes a connection to the provider and prepares an
// ID token verifier.
func New(ctx context.Context, cfg *config.Config, logger Logger) (*Auth, error) {
	isDev := strings.ToUpper(cfg.Environment) == "DEV"
	shouldBypass := isDev && cfg.DevModeBypass

	var oauth2Config *oauth2.Config
	var verifier *oidc.IDTokenVerifier
	var apiVerifier *oidc.IDTokenVerifier

	if !shouldBypass {
		if cfg.Auth.OktaDomain == "" || cfg.Auth.ClientID == "" ||
			cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
			return nil, errors.New("auth configuration is incomplete")
		}

		provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
		if err != nil {
			return nil, err
		}

		oauth2Config = &oauth2.Config{
			ClientID:     cfg.Auth.ClientID,
			ClientSecret: cfg.Auth.ClientSecret,
			Endpoint:     provider.Endpoint(),
			RedirectURL:  cfg.Auth.RedirectURL,
			Scopes:       LoginScopes,
		}

		verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})

		// Create a separate verifier for Access Tokens (Bearer).
		// We skip ClientID check because Access Tokens often have a different audience (e.g. "api://default")
		apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	}

	return &Auth{
		oauth2Config: oauth2Config,
		verifier:     verifier,
		apiVerifier:  apiVerifier,
		logger:       logger,
		authBypass:   shouldBypass,
		secure:       cfg.TLS.Enable,
	}, nil
}

// LoginHandler starts the authorization code flow. The state value is kept
// in a short-lived cookie and checked on callback.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, landingPath, http.StatusSeeOther)
		return
	}

	state, err := generateState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, a.cookie(stateCookie, state, 600))
	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler completes the login: it checks state, exchanges the code,
// verifies the ID token and stores it as the session cookie.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, landingPath, http.StatusSeeOther)
		return
	}

	cookie, err := r.Cookie(stateCookie)
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}
	http.SetCookie(w, a.cookie(stateCookie, "", -1))

	token, err := a.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		http.Error(w, "token exchange failed", http.StatusInternalServerError)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token in token response", http.StatusInternalServerError)
		return
	}

	idToken, err := a.verifier.Verify(r.Context(), rawIDToken)
	if err != nil {
		http.Error(w, "failed to verify id token", http.StatusUnauthorized)
		return
	}
	if userID, err := userFromToken(idToken); err == nil && a.logger != nil {
		a.logger.Info("user signed in", "user_id", userID)
	}

	http.SetCookie(w, a.cookie(sessionCookie, rawIDToken, 0))
	http.Redirect(w, r, landingPath, http.StatusSeeOther)
}

// RequireAuth resolves the calling user from a bearer access token or the
// session cookie and stores it in the request context. Anonymous browser
// requests are sent to /login; other clients get 401.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.authBypass {
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), DevUserID)))
			return
		}

		userID, err := a.authenticate(r)
		switch {
		case errors.Is(err, errNoCredentials) && wantsHTML(r):
			http.Redirect(w, r, "/login", http.StatusSeeOther)
			return
		case err != nil:
			w.Header().Set("WWW-Authenticate", `Bearer realm="agentparty"`)
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		if a.logger != nil {
			a.logger.Debug("request authenticated", "user_id", userID, "path", r.URL.Path)
		}

		next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
	})
}

// authenticate checks the Authorization header first (API and MCP clients),
// then the session cookie.
func (a *Auth) authenticate(r *http.Request) (string, error) {
	var (
		token *oidc.IDToken
		err   error
	)
	if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
		token, err = a.apiVerifier.Verify(r.Context(), strings.TrimPrefix(header, "Bearer "))
	} else {
		cookie, cookieErr := r.Cookie(sessionCookie)
		if cookieErr != nil {
			return "", errNoCredentials
		}
		token, err = a.verifier.Verify(r.Context(), cookie.Value)
	}
	if err != nil {
		return "", fmt.Errorf("invalid token: %w", err)
	}
	return userFromToken(token)
}

// userFromToken returns the lowercased email claim, or the subject when the
// token carries no email.
func userFromToken(token *oidc.IDToken) (string, error) {
	var claims struct {
		Email string `json:"email"`
	}
	if err := token.Claims(&claims); err != nil {
		return "", errors.New("failed to parse token claims")
	}
	if email := strings.ToLower(strings.TrimSpace(claims.Email)); email != "" {
		return email, nil
	}
	if token.Subject == "" {
		return "", errors.New("token does not identify a user")
	}
	return token.Subject, nil
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

// LogoutHandler clears the session cookie.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, a.cookie(sessionCookie, "", -1))
	http.Redirect(w, r, landingPath, http.StatusSeeOther)
}

func (a *Auth) cookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   a.secure,
		SameSite: http.SameSiteLaxMode,
	}
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
