package status

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

type statusResponse struct {
	Mode        string   `json:"mode"`
	Timestamp   int64    `json:"timestamp"`
	Temperature *float64 `json:"temperature"`
	RPM         *float64 `json:"rpm"`
	DutyCycle   int      `json:"duty_cycle"`
	Range       int      `json:"range"`
	DutyPercent float64  `json:"duty_percent"`
}

// Status endpoint
func (s *Server) getStatus(c *fiber.Ctx) error {
	sample, ok := s.latest.Latest()
	if !ok {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "no sample recorded yet"})
	}

	resp := statusResponse{
		Mode:        sample.Mode,
		Timestamp:   sample.Timestamp.Unix(),
		DutyCycle:   sample.DutyCycle,
		Range:       sample.Range,
		DutyPercent: sample.DutyPercent(),
	}
	if sample.TemperatureValid {
		resp.Temperature = &sample.Temperature
	}
	if sample.RPMValid {
		resp.RPM = &sample.RPM
	}

	return c.JSON(resp)
}

// History endpoint
func (s *Server) getHistory(c *fiber.Ctx) error {
	if s.history == nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "metrics history disabled"})
	}

	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit <= 0 || limit > maxHistoryLimit {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid limit"})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	samples, err := s.history.Recent(ctx, limit)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}

	return c.JSON(samples)
}

// Health check endpoint
func (s *Server) healthCheck(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"status":    "ok",
		"mode":      s.mode,
		"uptime":    int64(time.Since(s.started).Seconds()),
		"timestamp": time.Now().Unix(),
	})
}
