package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/mohans/newsdigest/apperr"
)

type errorBody struct {
	Error  string `json:"error"`
	TaskID string `json:"taskId,omitempty"`
}

// handleError maps apperr kinds onto status codes. Unclassified errors are
// logged and reported as 500 without detail.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	body := errorBody{Error: http.StatusText(status)}

	var he *echo.HTTPError
	var ae *apperr.Error
	switch {
	case errors.As(err, &he):
		status = he.Code
		body.Error = http.StatusText(status)
		if msg, ok := he.Message.(string); ok {
			body.Error = msg
		}
	case errors.As(err, &ae):
		switch ae.Kind {
		case apperr.KindValidation:
			status = http.StatusBadRequest
		case apperr.KindNotFound:
			status = http.StatusNotFound
		case apperr.KindConflict:
			status = http.StatusConflict
			body.TaskID = ae.TaskID
		case apperr.KindTransient:
			status = http.StatusServiceUnavailable
		}
		body.Error = ae.Error()
		if status == http.StatusInternalServerError {
			body.Error = http.StatusText(status)
		}
	}
	if status >= http.StatusInternalServerError {
		s.log.Error("request error", "path", c.Path(), "status", status, "error", err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(status)
	} else {
		err = c.JSON(status, body)
	}
	if err != nil {
		s.log.Warn("write error response", "error", err)
	}
}
