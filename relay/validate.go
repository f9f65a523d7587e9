package relay

import (
	"regexp"

	"github.com/go-playground/validator/v10"

	"cloak/errors"
)

var validate = validator.New()

var (
	usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
	roomIDPattern   = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

type usernameRequest struct {
	Username string `validate:"required,min=3,max=24"`
}

type roomRequest struct {
	RoomID string `validate:"required,min=4,max=64"`
}

// ValidateUsername rejects malformed usernames inline; the connection
// stays open afterwards.
func ValidateUsername(username string) error {
	if err := validate.Struct(usernameRequest{Username: username}); err != nil {
		return errors.ErrInvalidUsername
	}
	if !usernamePattern.MatchString(username) {
		return errors.ErrInvalidUsername
	}
	return nil
}

func ValidateRoomID(roomID string) error {
	if err := validate.Struct(roomRequest{RoomID: roomID}); err != nil {
		return errors.ErrInvalidRoomID
	}
	if !roomIDPattern.MatchString(roomID) {
		return errors.ErrInvalidRoomID
	}
	return nil
}
