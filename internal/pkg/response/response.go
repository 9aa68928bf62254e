package response

import (
	"net/http"
	"reflect"

	"github.com/gin-gonic/gin"
	"github.com/mx-space/newsletter/internal/pkg/captoken"
)

// Pagination metadata returned with paginated responses.
type Pagination struct {
	Total       int64 `json:"total"`
	CurrentPage int   `json:"current_page"`
	TotalPage   int   `json:"total_page"`
	Size        int   `json:"size"`
	HasNextPage bool  `json:"has_next_page"`
}

// pagedResponse is the envelope for paginated list responses.
type pagedResponse struct {
	Data       interface{} `json:"data"`
	Pagination Pagination  `json:"pagination"`
}

// OK sends a 200 response. Arrays/slices are wrapped in {data: [...]}.
func OK(c *gin.Context, data interface{}) {
	if data != nil {
		v := reflect.ValueOf(data)
		if v.Kind() == reflect.Slice {
			c.JSON(http.StatusOK, gin.H{"data": data})
			return
		}
	}
	c.JSON(http.StatusOK, data)
}

// Paged sends a paginated response.
func Paged(c *gin.Context, data interface{}, pagination Pagination) {
	c.JSON(http.StatusOK, pagedResponse{
		Data:       data,
		Pagination: pagination,
	})
}

// Created sends a 201 response.
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, data)
}

// NoContent sends a 204 response.
func NoContent(c *gin.Context) {
	c.Status(http.StatusNoContent)
}

func abort(c *gin.Context, status int, message string) {
	c.AbortWithStatusJSON(status, gin.H{"ok": 0, "code": status, "message": message})
}

// BadRequest sends a 400 error response.
func BadRequest(c *gin.Context, message string) {
	abort(c, http.StatusBadRequest, message)
}

// Unauthorized sends a 401 error response.
func Unauthorized(c *gin.Context) {
	abort(c, http.StatusUnauthorized, "authentication required")
}

// Forbidden sends a 403 error response.
func Forbidden(c *gin.Context) {
	abort(c, http.StatusForbidden, "forbidden")
}

// NotFound sends a 404 error response.
func NotFound(c *gin.Context) {
	abort(c, http.StatusNotFound, "not found")
}

// NotFoundMsg sends a 404 error with a custom message.
func NotFoundMsg(c *gin.Context, message string) {
	abort(c, http.StatusNotFound, message)
}

// InternalError sends a 500 error response. The cause is not echoed; callers
// log it.
func InternalError(c *gin.Context, _ error) {
	abort(c, http.StatusInternalServerError, "internal server error")
}

// MethodNotAllowed sends a 405 error response.
func MethodNotAllowed(c *gin.Context) {
	abort(c, http.StatusMethodNotAllowed, "method not allowed")
}

// UnprocessableEntity sends a 422 error response.
func UnprocessableEntity(c *gin.Context, message string) {
	abort(c, http.StatusUnprocessableEntity, message)
}

// Conflict sends a 409 error response.
func Conflict(c *gin.Context, message string) {
	abort(c, http.StatusConflict, message)
}

// LinkStatus maps a capability-link outcome to its HTTP status.
func LinkStatus(outcome captoken.Outcome) int {
	switch outcome {
	case captoken.OutcomeOK:
		return http.StatusOK
	case captoken.OutcomeInvalid:
		return http.StatusBadRequest
	case captoken.OutcomeExpired:
		return http.StatusGone
	case captoken.OutcomeUsed:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// LinkFailure answers a rejected capability link with {"state": ...} and
// nothing else, so no verification detail leaks.
func LinkFailure(c *gin.Context, err error) {
	outcome := captoken.OutcomeOf(err)
	c.AbortWithStatusJSON(LinkStatus(outcome), gin.H{"state": outcome})
}
