package middleware

import (
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
)

func newInternalApp(secret string) *fiber.App {
	app := fiber.New()
	app.Use(InternalAuth(secret))
	app.Post("/internal/payouts/run", func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"ok": true})
	})
	return app
}

func TestInternalAuthRejectsMissingSecret(t *testing.T) {
	app := newInternalApp("s3cret")

	req := httptest.NewRequest(fiber.MethodPost, "/internal/payouts/run", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected %d got %d", fiber.StatusUnauthorized, resp.StatusCode)
	}
}

func TestInternalAuthRejectsWrongSecret(t *testing.T) {
	app := newInternalApp("s3cret")

	req := httptest.NewRequest(fiber.MethodPost, "/internal/payouts/run", nil)
	req.Header.Set(internalSecretHeader, "wrong")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusUnauthorized {
		t.Fatalf("expected %d got %d", fiber.StatusUnauthorized, resp.StatusCode)
	}
}

func TestInternalAuthAcceptsMatchingSecret(t *testing.T) {
	app := newInternalApp("s3cret")

	req := httptest.NewRequest(fiber.MethodPost, "/internal/payouts/run", nil)
	req.Header.Set(internalSecretHeader, "s3cret")
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusAccepted {
		t.Fatalf("expected %d got %d", fiber.StatusAccepted, resp.StatusCode)
	}
}

func TestInternalAuthRefusesWhenUnconfigured(t *testing.T) {
	app := newInternalApp("")

	req := httptest.NewRequest(fiber.MethodPost, "/internal/payouts/run", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test: %v", err)
	}
	if resp.StatusCode != fiber.StatusServiceUnavailable {
		t.Fatalf("expected %d got %d", fiber.StatusServiceUnavailable, resp.StatusCode)
	}
}
