package middleware

import (
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/kinstack/briar/pkg/apperror"
	"github.com/kinstack/briar/pkg/context"
	"github.com/kinstack/briar/pkg/tracing"
)

// ErrorResponse is the structured error body for every API failure.
type ErrorResponse struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	RequestID string         `json:"request_id"`
	TraceID   string         `json:"trace_id"`
	Meta      map[string]any `json:"meta,omitempty"`
}

func Error(logger ectologger.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		ctx := c.Request().Context()
		logger.WithContext(ctx).WithError(err).Error("api is returning an error")
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		message := "Internal Server Error"
		meta := map[string]any{}

		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				message = msg
			}
		}

		if httperror.IsHTTPError(err) {
			httperr := httperror.ToHTTPError(err)
			code = httperror.GetStatusCode(err)
			message = httperr.Error()
			meta = httperr.Meta
		}

		// Execution failures surface the failed stage so a reviewer can
		// decide whether a fresh proposal is worth filing.
		if ee, ok := apperror.AsExecutionError(err); ok {
			code = http.StatusInternalServerError
			message = ee.Error()
			meta = map[string]any{"stage": ee.Stage}
		}

		if meta == nil {
			meta = map[string]any{}
		}
		delete(meta, "code")
		if len(meta) == 0 {
			meta = nil
		}

		_ = c.JSON(code, ErrorResponse{
			Code:      apperror.Code(err),
			Message:   message,
			RequestID: context.GetRequestID(ctx),
			TraceID:   tracing.GetTraceID(ctx),
			Meta:      meta,
		})
	}
}
