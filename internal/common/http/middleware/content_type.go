package middleware

import (
	"net/http"
	"strings"

	pkgerrors "github.com/Frohrer/codux/pkg/errors"
	"github.com/Frohrer/codux/pkg/utils/response"

	"github.com/gin-gonic/gin"
)

// RequireJSON rejects request bodies that are not application/json.
// GET, HEAD and OPTIONS requests pass through untouched.
func RequireJSON() gin.HandlerFunc {
	return func(c *gin.Context) {
		switch c.Request.Method {
		case http.MethodGet, http.MethodHead, http.MethodOptions:
			c.Next()
			return
		}
		if c.IsWebsocket() {
			c.Next()
			return
		}
		if !strings.HasPrefix(c.GetHeader("Content-Type"), "application/json") {
			response.AbortWithErrorCode(c, pkgerrors.UnsupportedMedia, "")
			return
		}
		c.Next()
	}
}
