package handlers

import (
	"path/filepath"

	"github.com/gin-contrib/multitemplate"
)

// NewRenderer loads the admin templates from dir.
func NewRenderer(dir string) multitemplate.Renderer {
	r := multitemplate.NewRenderer()
	r.AddFromFiles("admin_dashboard",
		filepath.Join(dir, "layout.html"),
		filepath.Join(dir, "admin_dashboard.html"),
	)
	return r
}
