package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	"protorelay/internal/llm"
	"protorelay/internal/protocol"
	"protorelay/pkg/logging"
)

// Models answers a model listing. A configured static list wins; otherwise
// the request goes upstream through the normal account selection.
func (r *Relay) Models(w http.ResponseWriter, req *http.Request, caller protocol.Protocol) {
	ctx := req.Context()
	logger := logging.L(ctx)

	if len(r.opts.Models) > 0 {
		writeStaticModels(w, r.opts.Models)
		return
	}

	l, err := r.acquire(req.Header)
	if err != nil {
		r.writeAcquireError(w, caller, logger, err)
		return
	}

	call := &llm.Call{Account: l.account.Name, Credential: l.account.Credential}
	if r.opts.ForwardClientHeaders {
		call.Forward = req.Header.Clone()
	}
	x := &exchange{
		caller: caller,
		same:   caller == r.upstream,
		lease:  l,
		call:   call,
		logger: logger.With(zap.String("account", l.account.Name)),
	}

	res, err := r.client.ListModels(ctx, call)
	if err != nil {
		outcome := r.writeUpstreamError(w, x, err)
		r.feedback(ctx, l, isFailure(outcome))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.StatusCode)
	_, _ = w.Write(res.Body)
	r.feedback(ctx, l, false)
}

func writeStaticModels(w http.ResponseWriter, ids []string) {
	list := protocol.ModelList{Object: "list", Data: make([]protocol.Model, 0, len(ids))}
	created := time.Now().Unix()
	for _, id := range ids {
		list.Data = append(list.Data, protocol.Model{
			ID:      id,
			Object:  "model",
			Created: created,
			OwnedBy: "protorelay",
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(list)
}
