package controllers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = validator.New()

func jsonError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": code, "message": message})
}

func badRequest(c *fiber.Ctx, message string) error {
	return jsonError(c, fiber.StatusBadRequest, "bad_request", message)
}

func notFound(c *fiber.Ctx, message string) error {
	return jsonError(c, fiber.StatusNotFound, "not_found", message)
}

func internalError(c *fiber.Ctx, message string) error {
	return jsonError(c, fiber.StatusInternalServerError, "internal_server_error", message)
}

// bindJSON parses the body into dst and runs struct validation. On failure
// the error response is already written and a non-nil error is returned.
func bindJSON(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		_ = badRequest(c, "Invalid JSON body")
		return errResponseHandled
	}
	if err := validate.Struct(dst); err != nil {
		_ = jsonError(c, fiber.StatusUnprocessableEntity, "validation_failed", validationMessage(err))
		return errResponseHandled
	}
	return nil
}

var errResponseHandled = errors.New("response already written")

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Namespace()+" failed on "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}

func paramID(c *fiber.Ctx, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Params(name), 10, 64)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func finish(err error) error {
	if errors.Is(err, errResponseHandled) {
		return nil
	}
	return err
}
