package controllers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PixelBooth/internal/pkg/notification"
	"github.com/ManuelReschke/PixelBooth/internal/pkg/usercontext"
)

type NotificationController struct {
	store *notification.Store
}

func NewNotificationController(store *notification.Store) *NotificationController {
	return &NotificationController{store: store}
}

func (nc *NotificationController) HandleList(c *fiber.Ctx) error {
	ctx, cancel := requestContext(c)
	defer cancel()

	list, err := nc.store.ListForUser(ctx, usercontext.GetUserID(c), c.QueryInt("limit", 50))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"notifications": list})
}

func (nc *NotificationController) HandleMarkRead(c *fiber.Ctx) error {
	id, err := paramID(c)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "invalid_id", err.Error())
	}
	ctx, cancel := requestContext(c)
	defer cancel()

	if err := nc.store.MarkRead(ctx, usercontext.GetUserID(c), id); err != nil {
		return writeError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
