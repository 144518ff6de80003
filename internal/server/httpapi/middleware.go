package httpapi

import (
	"context"
	"net/http"
	"strings"

	"github.com/dmitrijs2005/driveback/internal/common"
	"github.com/dmitrijs2005/driveback/internal/server/auth"
)

type contextKey string

const (
	ctxKeyOwner      contextKey = "owner"
	ctxKeyCredential contextKey = "credential"
)

// sessionMiddleware resolves the session token into an owner identity. The
// raw header value travels along as the credential so admission can store it
// on the task for later resumed downloads.
func (a *API) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := r.Header.Get("Authorization")
		if raw == "" {
			raw = r.Header.Get("zelidauth")
		}
		token := strings.TrimPrefix(raw, "Bearer ")
		if token == "" {
			writeError(w, common.ErrorUnauthorized)
			return
		}

		owner, err := auth.GetOwnerFromToken(token, a.secretKey)
		if err != nil || owner == "" {
			writeError(w, common.ErrorUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKeyOwner, owner)
		ctx = context.WithValue(ctx, ctxKeyCredential, raw)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ownerFromContext(ctx context.Context) string {
	owner, _ := ctx.Value(ctxKeyOwner).(string)
	return owner
}

func credentialFromContext(ctx context.Context) string {
	credential, _ := ctx.Value(ctxKeyCredential).(string)
	return credential
}
