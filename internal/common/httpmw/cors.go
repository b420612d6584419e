package httpmw

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// corsAllowedHeaders includes the WebSocket handshake headers so browsers
// can open the log stream cross-origin.
var corsAllowedHeaders = strings.Join([]string{
	"Origin",
	"Content-Type",
	"Authorization",
	"X-Request-ID",
	"Upgrade",
	"Connection",
	"Sec-WebSocket-Key",
	"Sec-WebSocket-Version",
	"Sec-WebSocket-Protocol",
}, ", ")

// CORS answers preflight requests and stamps the allow headers on every
// response. The API has no cookie-based auth, so any origin is accepted.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
		h.Set("Access-Control-Allow-Headers", corsAllowedHeaders)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
