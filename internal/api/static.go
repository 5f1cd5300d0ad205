package api

import (
	"embed"
	"net/http"

	"github.com/gin-gonic/gin"
)

// StaticFS holds the embedded UI
//
//go:embed static
var StaticFS embed.FS

// SetupStaticRoutes serves the single-page UI
func SetupStaticRoutes(r *gin.Engine) {
	r.GET("/", func(c *gin.Context) {
		content, err := StaticFS.ReadFile("static/index.html")
		if err != nil {
			c.String(http.StatusNotFound, "File not found")
			return
		}
		c.Data(http.StatusOK, "text/html; charset=utf-8", content)
	})
}
