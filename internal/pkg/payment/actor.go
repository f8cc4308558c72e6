package payment

import "github.com/ManuelReschke/PixelBooth/app/models"

// Actor is the verified caller of a mutating operation.
type Actor struct {
	UserID uint
	Role   string
}

// SystemActor is used by the gateway processor and the reconcile worker.
var SystemActor = Actor{Role: models.ROLE_ADMIN}

func (a Actor) IsAdmin() bool {
	return a.Role == models.ROLE_ADMIN
}
