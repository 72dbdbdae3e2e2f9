package settings

import (
	"context"
	"strconv"

	"teleclinic-engine/internal/models"
)

const (
	keyDoctorUserID   = "doctor_user_id"
	keyDoctorUserUUID = "doctor_user_uuid"
)

// Credentials exposes the signed-in doctor's durable identity on top
// of the settings store. Identity may legitimately be absent or partial
// while sign-in is still in flight; callers handle that race.
type Credentials struct {
	store Store
}

func NewCredentials(store Store) *Credentials {
	return &Credentials{store: store}
}

// Identity returns the stored identity. ok is true only when the
// identity is complete; a partial identity is still returned so
// degraded paths (partial channel subscribe) can use what exists.
func (c *Credentials) Identity() (models.DoctorIdentity, bool) {
	ctx := context.Background()
	var ident models.DoctorIdentity

	if raw, err := c.store.Get(ctx, keyDoctorUserID); err == nil {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			ident.UserID = id
		}
	}
	if raw, err := c.store.Get(ctx, keyDoctorUserUUID); err == nil {
		ident.UserUUID = raw
	}
	return ident, ident.Complete()
}

// SetIdentity persists the identity after sign-in.
func (c *Credentials) SetIdentity(ctx context.Context, ident models.DoctorIdentity) error {
	if err := c.store.Set(ctx, keyDoctorUserID, strconv.FormatInt(ident.UserID, 10)); err != nil {
		return err
	}
	return c.store.Set(ctx, keyDoctorUserUUID, ident.UserUUID)
}

// OnChange registers an observer for credential updates.
func (c *Credentials) OnChange(fn func()) {
	c.store.OnChange(func(key, _ string) {
		if key == keyDoctorUserID || key == keyDoctorUserUUID {
			fn()
		}
	})
}
