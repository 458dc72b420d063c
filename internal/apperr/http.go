package apperr

import (
	"github.com/gin-gonic/gin"

	"github.com/mbd888/altscore/internal/logging"
)

// Body builds the JSON error body for err. Validation errors carry their
// code and field separately under the generic "validation_error"; internal
// errors never expose their message or cause.
func Body(err error, correlationID string) gin.H {
	e, ok := As(err)
	if !ok || e.Kind == KindInternal {
		return gin.H{
			"error":          "internal_error",
			"message":        "internal error",
			"correlation_id": correlationID,
		}
	}
	body := gin.H{
		"error":          e.Code,
		"message":        e.Message,
		"correlation_id": correlationID,
	}
	if e.Kind == KindValidation {
		body["error"] = "validation_error"
		body["code"] = e.Code
		if e.Field != "" {
			body["field"] = e.Field
		}
	}
	return body
}

// Respond writes err as JSON and aborts the handler chain. Internal errors
// are logged in full.
func Respond(c *gin.Context, err error) {
	ctx := c.Request.Context()
	status := HTTPStatus(err)
	if KindOf(err) == KindInternal {
		logging.L(ctx).Error("request failed", "error", err, "path", c.FullPath())
	}
	c.AbortWithStatusJSON(status, Body(err, logging.CorrelationID(ctx)))
}
