// Package staticfiles carries the dashboard's stylesheet and script.
package staticfiles

import (
	"embed"
	"io/fs"
	"net/http"
	"strings"
)

//go:embed css/* js/*
var embedded embed.FS

func EmbeddedFS() fs.FS {
	return embedded
}

// Handler serves the embedded assets, or dir from disk when dir is set.
func Handler(dir string) http.Handler {
	if strings.TrimSpace(dir) != "" {
		return http.FileServer(http.Dir(dir))
	}
	return http.FileServer(http.FS(embedded))
}
