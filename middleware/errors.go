package middleware

import (
	"log"
	"net/http"

	"github.com/gin-gonic/gin"

	"langtest-server/utils"
)

type errorBody struct {
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorHandler turns the last error a handler pushed with c.Error into the JSON error body.
// Server-side failures are logged as errors, everything else as warnings.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}
		err := c.Errors.Last().Err
		status := utils.StatusOf(err)
		body := errorBody{Message: "Internal server error"}
		if appErr, ok := utils.AsAppError(err); ok {
			body.Message = appErr.Message
			body.Details = appErr.Details
		}

		if status >= http.StatusInternalServerError {
			log.Printf("ERROR: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		} else {
			log.Printf("WARN: %s %s: %v", c.Request.Method, c.Request.URL.Path, err)
		}
		c.JSON(status, body)
	}
}

// Recovery converts a panic into a 500 error body.
func Recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Printf("ERROR: panic serving %s %s: %v", c.Request.Method, c.Request.URL.Path, recovered)
		c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Message: "Internal server error"})
	})
}
