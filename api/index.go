package api

import (
	"net/http"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib"

	"school-portal/internal/app"
	"school-portal/internal/auth"
)

var (
	initOnce   sync.Once
	apiRuntime *app.Runtime
	initErr    error
)

// Handler is the serverless entry point. The runtime is built on the first
// request and reused by warm invocations.
func Handler(w http.ResponseWriter, r *http.Request) {
	initOnce.Do(func() {
		apiRuntime, initErr = app.Build(app.Options{LoadDotEnv: false})
	})

	if initErr != nil {
		auth.WriteError(w, auth.MisconfiguredError(initErr))
		return
	}

	apiRuntime.Handler.ServeHTTP(w, r)
}
