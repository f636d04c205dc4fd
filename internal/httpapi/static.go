package httpapi

import (
	"embed"
	"io/fs"
	"net/http"
)

// The test client under static/ talks to /ws with the same frames any other
// client would send.
//
//go:embed static/*
var embeddedStatic embed.FS

func newStaticHandler() http.Handler {
	sub, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		return http.NotFoundHandler()
	}
	files := http.FileServer(http.FS(sub))
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The client is tiny and changes with the frame format; never cache it.
		w.Header().Set("Cache-Control", "no-store")
		files.ServeHTTP(w, r)
	})
}
