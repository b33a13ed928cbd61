package oauth

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// CallbackResult is what the authorization server delivered to the redirect
// URI.
type CallbackResult struct {
	State string
	Code  string
}

// WaitForCallback runs a loopback HTTP server on addr serving path until the
// authorization server redirects the user's browser back, then shuts down.
// The redirect URI configured with the authorization server must point at
// this listener.
func WaitForCallback(ctx context.Context, addr, path string) (*CallbackResult, error) {
	results := make(chan *CallbackResult, 1)
	errs := make(chan error, 1)

	r := chi.NewRouter()
	r.Get(path, func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()

		if oauthErr := q.Get("error"); oauthErr != "" {
			desc := q.Get("error_description")
			http.Error(w, "Authorization failed. You can close this window.", http.StatusBadRequest)
			select {
			case errs <- fmt.Errorf("authorization server returned %s: %s", oauthErr, desc):
			default:
			}
			return
		}

		state := q.Get("state")
		code := q.Get("code")
		if state == "" || code == "" {
			http.Error(w, "Missing state or code.", http.StatusBadRequest)
			select {
			case errs <- fmt.Errorf("callback missing state or code"):
			default:
			}
			return
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>Login complete. You can close this window.</body></html>"))

		select {
		case results <- &CallbackResult{State: state, Code: code}:
		default:
		}
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
	}()

	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	select {
	case res := <-results:
		return res, nil
	case err := <-errs:
		return nil, err
	case err := <-serveErr:
		return nil, fmt.Errorf("callback server failed: %w", err)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
