package interceptor

import (
	"context"
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/xkilldash9x/xpmate-capture/internal/upload"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// UploadResult is the JSON body returned by POST /upload.
type UploadResult struct {
	Outcome string `json:"outcome"`
	Count   int    `json:"count"`
	BatchID string `json:"batchId,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewUploadResult converts an upload outcome for the admin API.
func NewUploadResult(out upload.Outcome) UploadResult {
	res := UploadResult{Outcome: out.Kind.String(), Count: out.Count, BatchID: out.BatchID}
	if out.Err != nil {
		res.Error = out.Err.Error()
	}
	return res
}

// AdminHandler serves the loopback status and control API:
//
//	GET    /healthz   liveness
//	GET    /session   current session status
//	DELETE /session   clear the session
//	POST   /upload    run the upload now
func (i *Interceptor) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /session", func(w http.ResponseWriter, r *http.Request) {
		i.writeJSON(w, http.StatusOK, i.dispatcher.Status(r.Context()))
	})
	mux.HandleFunc("DELETE /session", func(w http.ResponseWriter, r *http.Request) {
		if err := i.Reset(r.Context()); err != nil {
			i.log.Error("Failed to reset session.", zap.Error(err))
			i.writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("POST /upload", func(w http.ResponseWriter, r *http.Request) {
		// The upload bounds itself; detach from the admin client.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), upload.Timeout+5*time.Second)
		defer cancel()

		out := i.Upload(ctx)
		status := http.StatusOK
		switch out.Kind {
		case upload.Failed:
			status = http.StatusBadGateway
		case upload.Empty:
			status = http.StatusConflict
		}
		i.writeJSON(w, status, NewUploadResult(out))
	})
	return mux
}

func (i *Interceptor) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		i.log.Error("Failed to encode admin response.", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
