package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/arklim/iam-access-core/internal/core/domain"
)

// ErrorCase maps a sentinel error to an HTTP status code and response message.
type ErrorCase struct {
	Err     error
	Status  int
	Message string
}

// kindStatus is the default translation of domain error kinds.
var kindStatus = map[domain.ErrorKind]int{
	domain.KindNotFound:      http.StatusNotFound,
	domain.KindConflict:      http.StatusConflict,
	domain.KindInvalidInput:  http.StatusBadRequest,
	domain.KindForbidden:     http.StatusForbidden,
	domain.KindIndeterminate: http.StatusServiceUnavailable,
	domain.KindUnauthorized:  http.StatusUnauthorized,
	domain.KindUnavailable:   http.StatusServiceUnavailable,
}

// RespondWithMappedError resolves err against cases first, then against its domain kind.
// Internal errors are never echoed to the client.
func RespondWithMappedError(c *gin.Context, err error, cases []ErrorCase, fallbackMessage string) {
	if err == nil {
		c.Status(http.StatusOK)
		return
	}
	_ = c.Error(err)

	for _, cs := range cases {
		if cs.Err != nil && errors.Is(err, cs.Err) {
			c.JSON(cs.Status, NewErrorResponse(c, cs.Message))
			return
		}
	}

	if errors.Is(err, domain.ErrProviderFailure) {
		c.JSON(http.StatusBadGateway, NewErrorResponse(c, "identity provider unavailable"))
		return
	}

	kind := domain.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		c.JSON(http.StatusInternalServerError, NewErrorResponse(c, fallbackMessage))
		return
	}
	c.JSON(status, NewErrorResponse(c, err.Error()))
}

// RespondWithError maps err by kind alone.
func RespondWithError(c *gin.Context, err error, fallbackMessage string) {
	RespondWithMappedError(c, err, nil, fallbackMessage)
}
