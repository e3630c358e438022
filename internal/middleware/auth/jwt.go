package auth

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mealhub/gateway/config"
	"github.com/mealhub/gateway/internal/errors"
	"github.com/mealhub/gateway/internal/logging"
	"github.com/mealhub/gateway/internal/middleware"
	"github.com/mealhub/gateway/internal/observability"
	"github.com/mealhub/gateway/variables"
	"go.uber.org/zap"
)

const bearerPrefix = "Bearer "

// Failure reasons reported to logs and the sink.
const (
	ReasonMissing = "missing"
	ReasonInvalid = "invalid"
)

// Gate verifies bearer tokens signed with the shared HMAC secret.
type Gate struct {
	secret    []byte
	algorithm string
	parser    *jwt.Parser
	sink      observability.Sink
}

// NewGate creates a gate. The secret must be non-empty.
func NewGate(cfg config.AuthConfig, sink observability.Sink) (*Gate, error) {
	if cfg.Secret == "" {
		return nil, fmt.Errorf("auth secret is required")
	}
	alg := cfg.Algorithm
	if alg == "" {
		alg = "HS256"
	}
	if !strings.HasPrefix(alg, "HS") {
		return nil, fmt.Errorf("unsupported algorithm %q", alg)
	}
	if sink == nil {
		sink = observability.Nop()
	}

	return &Gate{
		secret:    []byte(cfg.Secret),
		algorithm: alg,
		parser:    jwt.NewParser(jwt.WithValidMethods([]string{alg})),
		sink:      sink,
	}, nil
}

func (g *Gate) keyFunc(token *jwt.Token) (interface{}, error) {
	if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	return g.secret, nil
}

// Authenticate verifies the Authorization header value.
// It returns errors.ErrMissingCredential or a wrapped errors.ErrInvalidCredential.
func (g *Gate) Authenticate(header string) (*variables.Identity, error) {
	if !strings.HasPrefix(header, bearerPrefix) {
		return nil, errors.ErrMissingCredential
	}
	tokenString := strings.TrimSpace(header[len(bearerPrefix):])
	if tokenString == "" {
		return nil, errors.ErrMissingCredential
	}

	token, err := g.parser.Parse(tokenString, g.keyFunc)
	if err != nil {
		return nil, errors.ErrInvalidCredential.Wrap(err)
	}
	if !token.Valid {
		return nil, errors.ErrInvalidCredential
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.ErrInvalidCredential
	}

	claimsMap := make(map[string]interface{}, len(claims))
	for k, v := range claims {
		claimsMap[k] = v
	}

	return &variables.Identity{
		SubjectID: subjectOf(claims),
		Claims:    claimsMap,
	}, nil
}

// subjectOf prefers sub, then the id claim issued by the auth service,
// then client_id.
func subjectOf(claims jwt.MapClaims) string {
	if sub, _ := claims.GetSubject(); sub != "" {
		return sub
	}
	switch id := claims["id"].(type) {
	case string:
		if id != "" {
			return id
		}
	case float64:
		return strconv.FormatFloat(id, 'f', -1, 64)
	}
	if cid, ok := claims["client_id"].(string); ok {
		return cid
	}
	return ""
}

// Fingerprint is a log-safe token summary: the first six characters and
// the length.
func Fingerprint(header string) string {
	token := strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
	if token == "" {
		return ""
	}
	if len(token) > 6 {
		return fmt.Sprintf("%s...(%d)", token[:6], len(token))
	}
	return fmt.Sprintf("...(%d)", len(token))
}

// Middleware rejects unauthenticated requests with 401 and attaches the
// identity to the request context otherwise.
func (g *Gate) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			identity, err := g.Authenticate(header)
			r, varCtx := variables.Ensure(r)

			if err != nil {
				reason := ReasonInvalid
				if err == errors.ErrMissingCredential {
					reason = ReasonMissing
				}
				logging.Warn("Authentication failed",
					zap.String("request_id", varCtx.RequestID),
					zap.String("route", varCtx.RouteID),
					zap.String("path", r.URL.Path),
					zap.String("reason", reason),
					zap.String("token", Fingerprint(header)),
				)

				ge, _ := errors.As(err)
				g.sink.Record(observability.Event{
					Kind:      observability.PolicyRejected,
					RequestID: varCtx.RequestID,
					Route:     varCtx.RouteID,
					Method:    r.Method,
					Path:      r.URL.Path,
					Status:    ge.Status,
					Code:      ge.Code,
					Reason:    "auth_" + reason,
				})

				w.Header().Set("WWW-Authenticate", `Bearer realm="api"`)
				ge.WriteJSON(w)
				return
			}

			varCtx.Identity = identity
			next.ServeHTTP(w, r)
		})
	}
}

// RestrictTo is a pass-through; role checks belong to the owning service.
func RestrictTo(roles ...string) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return next
	}
}

// GenerateToken signs claims with the gate's secret (for testing purposes)
func (g *Gate) GenerateToken(claims map[string]interface{}) (string, error) {
	var method jwt.SigningMethod
	switch g.algorithm {
	case "HS256":
		method = jwt.SigningMethodHS256
	case "HS384":
		method = jwt.SigningMethodHS384
	case "HS512":
		method = jwt.SigningMethodHS512
	default:
		return "", fmt.Errorf("unsupported algorithm for token generation: %s", g.algorithm)
	}

	token := jwt.NewWithClaims(method, jwt.MapClaims(claims))
	return token.SignedString(g.secret)
}
