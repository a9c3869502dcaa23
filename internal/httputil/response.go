// Package httputil provides the JSON response envelope and request logging middleware shared by every HTTP handler
// in internal/api, built on fiber/v3's interface-based Ctx and the apperr.Kind taxonomy.
package httputil

import (
	"github.com/gofiber/fiber/v3"

	"github.com/allanbatista/mu-core-server/internal/apperr"
)

// SuccessResponse wraps successful API responses.
type SuccessResponse struct {
	Data any `json:"data"`
}

// ErrorBody holds structured error details.
type ErrorBody struct {
	Code    apperr.Kind `json:"code"`
	Message string      `json:"message"`
}

// ErrorResponse wraps failed API responses.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// Success sends a 200 JSON response with the given data.
func Success(c fiber.Ctx, data any) error {
	return c.JSON(SuccessResponse{Data: data})
}

// SuccessStatus sends a JSON response with a custom status code.
func SuccessStatus(c fiber.Ctx, status int, data any) error {
	return c.Status(status).JSON(SuccessResponse{Data: data})
}

// Fail sends a JSON error response with the given status and apperr.Kind.
func Fail(c fiber.Ctx, status int, kind apperr.Kind, message string) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorBody{
			Code:    kind,
			Message: message,
		},
	})
}

// FailErr maps err's apperr.Kind to its HTTP status and sends the error response, the common case where a handler
// has nothing more specific to say than the error it already got back from a lower layer.
func FailErr(c fiber.Ctx, err error, message string) error {
	kind := apperr.KindOf(err)
	return Fail(c, apperr.HTTPStatus(kind), kind, message)
}
