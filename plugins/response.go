package plugins

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/linht/clock-manager/synth"
)

// APIResponse represents a standard API response
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Kind    string      `json:"kind,omitempty"`
	Message string      `json:"message,omitempty"`
}

// SendSuccess sends a successful response
func SendSuccess(c *fiber.Ctx, data interface{}, message string) error {
	return c.JSON(APIResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}

// SendError sends an error response
func SendError(c *fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(APIResponse{
		Success: false,
		Error:   err.Error(),
	})
}

// SendErrorMessage sends an error response with a custom message
func SendErrorMessage(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(APIResponse{
		Success: false,
		Error:   message,
	})
}

// ClockErrorStatus maps an error from the planner or the device to an HTTP
// status. Unreachable frequencies are the caller's fault; bus failures are
// the device's.
func ClockErrorStatus(err error) int {
	var serr *synth.Error
	switch {
	case errors.Is(err, ErrDeviceNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, ErrVerifyMismatch):
		return fiber.StatusBadGateway
	case errors.As(err, &serr):
		if serr.Recoverable() {
			return fiber.StatusBadRequest
		}
		if serr.Kind == synth.RegisterWriteFailed {
			return fiber.StatusBadGateway
		}
	}
	return fiber.StatusInternalServerError
}

// SendClockError sends an error response with a status from ClockErrorStatus
// and the synth error kind when there is one
func SendClockError(c *fiber.Ctx, err error) error {
	resp := APIResponse{
		Success: false,
		Error:   err.Error(),
	}
	var serr *synth.Error
	if errors.As(err, &serr) {
		resp.Kind = serr.Kind.String()
	}
	return c.Status(ClockErrorStatus(err)).JSON(resp)
}
