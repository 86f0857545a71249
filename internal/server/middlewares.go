package server

import (
	"bytes"
	"chat-relay/internal/auth"
	"chat-relay/internal/delivery"
	"chat-relay/internal/metrics"
	"chat-relay/internal/storage/zapadapter"
	"context"
	"errors"
	"github.com/rs/xid"
	"github.com/valyala/fastjson"
	"go.uber.org/zap"
	"io"
	"mime"
	"net/http"
	"strings"
)

const maxRequestBody = 64 << 10

// Verifier checks a bearer credential, auth.Manager implements it
type Verifier interface {
	Verify(credential string) (auth.Claims, error)
}

type claimsKey struct{}

func claimsFromContext(ctx context.Context) auth.Claims {
	claims, _ := ctx.Value(claimsKey{}).(auth.Claims)
	return claims
}

// enforcePOSTJSON is a middleware pre-processing each HTTP request
// it checks for POST method, application/json Content-Type header and valid json body
// it also sets blank Content-Type header to application/json
func enforcePOSTJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", http.MethodPost)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}

		// check "Content-Type" header
		contentType := r.Header.Get("Content-Type")
		if contentType != "" {
			mt, _, err := mime.ParseMediaType(contentType)
			if err != nil {
				http.Error(w, "Malformed Content-Type header", http.StatusBadRequest)
				return
			}

			if mt != "application/json" {
				http.Error(w, "Content-Type header must be application/json", http.StatusUnsupportedMediaType)
				return
			}
		} else {
			r.Header.Set("Content-Type", "application/json")
		}

		// check if provided request body is valid JSON
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "Can not read request body", http.StatusBadRequest)
			return
		}

		if len(body) == 0 {
			http.Error(w, "No body provided", http.StatusBadRequest)
			return
		}

		if err := fastjson.ValidateBytes(body); err != nil {
			http.Error(w, "Malformed JSON", http.StatusBadRequest)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))

		next.ServeHTTP(w, r)
	})
}

// enforceGET rejects every method but GET
func enforceGET(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// bearerCredential takes the credential from the Authorization header, falling back to the "token" query parameter
// browsers cannot set headers on a websocket handshake
func bearerCredential(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return r.URL.Query().Get("token")
}

// verifyRequest authenticates r and validates the identity it carries.
// On failure the response is already written.
func verifyRequest(w http.ResponseWriter, r *http.Request, v Verifier, m *metrics.Metrics) (auth.Claims, bool) {
	claims, err := v.Verify(bearerCredential(r))
	if err != nil {
		m.AuthFailure()
		w.Header().Set("WWW-Authenticate", `Bearer realm="chat-relay"`)
		if errors.Is(err, auth.ErrExpiredToken) {
			http.Error(w, "Token has expired", http.StatusUnauthorized)
			return auth.Claims{}, false
		}
		http.Error(w, "Invalid token", http.StatusUnauthorized)
		return auth.Claims{}, false
	}

	if err := delivery.ValidateIdentity("identity", claims.Identity); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return auth.Claims{}, false
	}

	return claims, true
}

// authenticate puts the verified claims of the caller into the request context
func authenticate(next http.Handler, v Verifier, m *metrics.Metrics) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := verifyRequest(w, r, v, m)
		if !ok {
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		ctx = zapadapter.NewContextWithIdentity(ctx, claims.Identity)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// logRequests tags each request with an id and logs it
func logRequests(next http.Handler, logger *zap.SugaredLogger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := xid.New().String()

		ctx := zapadapter.NewContextWithID(r.Context(), id)

		logger.Infow("Incoming HTTP request",
			"request_id", id,
			"method", r.Method,
			"uri", r.URL.Path,
			"ip", r.RemoteAddr,
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
