package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"bleepy/internal/api/middleware"
)

// errorBody 附带 correlation_id，便于前端报错时与 worker 日志对应。
func errorBody(c *gin.Context, msg string) gin.H {
	body := gin.H{"error": msg}
	if id := middleware.GetCorrelationID(c); id != "" {
		body["correlation_id"] = id
	}
	return body
}

func Error(c *gin.Context, status int, msg string) {
	c.JSON(status, errorBody(c, msg))
}

func AbortUnauthorized(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody(c, "unauthorized"))
}

func BadRequest(c *gin.Context, msg string)    { Error(c, http.StatusBadRequest, msg) }
func NotFound(c *gin.Context, msg string)      { Error(c, http.StatusNotFound, msg) }
func Conflict(c *gin.Context, msg string)      { Error(c, http.StatusConflict, msg) }
func Internal(c *gin.Context, msg string)      { Error(c, http.StatusInternalServerError, msg) }
func TooLarge(c *gin.Context, msg string)      { Error(c, http.StatusRequestEntityTooLarge, msg) }
func Unprocessable(c *gin.Context, msg string) { Error(c, http.StatusUnprocessableEntity, msg) }

// TooManyRequests 返回 429，retryAfter > 0 时写入 Retry-After（秒）。
func TooManyRequests(c *gin.Context, retryAfter int) {
	if retryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(retryAfter))
	}
	Error(c, http.StatusTooManyRequests, "rate limit exceeded")
}
