package middleware

import (
	"net/http"
	"runtime/debug"
	"strings"

	"go.uber.org/zap"

	"protorelay/internal/protocol"
	"protorelay/pkg/logging"
)

// Recoverer turns a panic into a logged 500 with a fixed error envelope. The
// envelope follows the protocol of the route; the stack only goes to the log.
func Recoverer() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				logger := logging.L(r.Context())
				logger.Error("panic recovered",
					zap.Any("error", rec),
					zap.ByteString("stack", debug.Stack()),
				)

				p := protocol.OpenAI
				if strings.HasSuffix(r.URL.Path, "/messages") {
					p = protocol.Anthropic
				}
				protocol.WriteError(w, p, http.StatusInternalServerError, protocol.ErrInternal, "internal error")
			}()

			next.ServeHTTP(w, r)
		})
	}
}
