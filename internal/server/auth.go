package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/golang-jwt/jwt/v5"

	"leanline/internal/engine"
)

type AuthConfig struct {
	JWTSecret              string
	AllowLegacyActorHeader bool
	// AllowDevLogin exposes /auth/dev/login, which mints tokens for any actor.
	AllowDevLogin bool
	Logger        *slog.Logger
}

func (c AuthConfig) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Principal is the caller a request runs as. Source names the credential that produced it.
// ProjectID is set for project-scoped API keys.
type Principal struct {
	ActorID     string
	Permissions []string
	Source      string
	ProjectID   string
}

// reaches reports whether the principal's credential may act on projectID.
func (p Principal) reaches(projectID string) bool {
	return p.ProjectID == "" || p.ProjectID == projectID
}

type ctxPrincipal struct{}

func principalFromRequest(ctx context.Context) (Principal, huma.StatusError) {
	p, _ := ctx.Value(ctxPrincipal{}).(Principal)
	if p.ActorID == "" {
		return Principal{}, errUnauthenticated()
	}
	return p, nil
}

func actorIDFromContext(ctx context.Context) (string, huma.StatusError) {
	p, err := principalFromRequest(ctx)
	return p.ActorID, err
}

func errUnauthenticated() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
}

func errOutOfScope(p Principal) huma.StatusError {
	return newAPIError(http.StatusForbidden, "forbidden", "api key is scoped to another project",
		map[string]any{"key_project_id": p.ProjectID})
}

func errBadCredentials() huma.StatusError {
	return newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
}

var errNoSecret = errors.New("jwt secret not configured")

type tokenClaims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"permissions,omitempty"`
}

// signDevToken mints an HS256 token valid for a day.
func signDevToken(secret, actorID string, permissions []string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errNoSecret
	}
	issued := time.Now()
	claims := tokenClaims{Permissions: permissions}
	claims.Subject = actorID
	claims.Issuer = "leanline-dev"
	claims.IssuedAt = jwt.NewNumericDate(issued)
	claims.ExpiresAt = jwt.NewNumericDate(issued.Add(24 * time.Hour))
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// credential resolves a principal from the value of one request header.
type credential struct {
	header  string
	resolve func(ctx context.Context, value string) (Principal, error)
}

// credentials lists the accepted credentials by precedence. The first header present
// decides the outcome; later ones are not consulted.
func credentials(cfg AuthConfig, e engine.Engine) []credential {
	chain := []credential{
		{header: "Authorization", resolve: func(_ context.Context, v string) (Principal, error) {
			return verifyBearer(v, cfg.JWTSecret)
		}},
		{header: "X-Api-Key", resolve: func(ctx context.Context, v string) (Principal, error) {
			key, err := e.AuthenticateAPIKey(ctx, v)
			if err != nil {
				return Principal{}, err
			}
			return Principal{ActorID: key.ActorID, ProjectID: key.ProjectID, Source: "api_key"}, nil
		}},
	}
	if cfg.AllowLegacyActorHeader {
		chain = append(chain, credential{header: "X-Actor-Id", resolve: func(_ context.Context, v string) (Principal, error) {
			cfg.logger().Warn("request authenticated by bare X-Actor-Id header", "actor_id", v)
			return Principal{ActorID: v, Source: "legacy_header"}, nil
		}})
	}
	return chain
}

func verifyBearer(header, secret string) (Principal, error) {
	scheme, token, found := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !found || !strings.EqualFold(scheme, "bearer") || token == "" || strings.ContainsAny(token, " \t") {
		return Principal{}, errors.New("authorization header is not a bearer token")
	}
	if strings.TrimSpace(secret) == "" {
		return Principal{}, errNoSecret
	}
	var claims tokenClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Principal{}, err
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("token has no subject")
	}
	return Principal{ActorID: claims.Subject, Permissions: claims.Permissions, Source: "jwt"}, nil
}

// newAuthMiddleware guards every route under basePath except the public ones.
func newAuthMiddleware(basePath string, cfg AuthConfig, e engine.Engine) func(http.Handler) http.Handler {
	public := publicPaths(basePath)
	chain := credentials(cfg, e)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			path := req.URL.Path
			if public[path] || (basePath != "" && !strings.HasPrefix(path, basePath)) {
				next.ServeHTTP(w, req)
				return
			}
			for _, c := range chain {
				value := strings.TrimSpace(req.Header.Get(c.header))
				if value == "" {
					continue
				}
				p, err := c.resolve(req.Context(), value)
				if err != nil {
					cfg.logger().Debug("credential rejected", "header", c.header, "error", err)
					respondStatusError(w, errBadCredentials())
					return
				}
				next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), ctxPrincipal{}, p)))
				return
			}
			respondStatusError(w, errUnauthenticated())
		})
	}
}

// respondStatusError writes err as the JSON error envelope outside of huma handlers.
func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}
