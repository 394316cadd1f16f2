package types

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
)

var (
	userIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)
	roomIDRegex = regexp.MustCompile(`^[A-Za-z0-9_\-:.]{1,128}$`)

	validate = newValidator()
)

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("roomid", func(fl validator.FieldLevel) bool {
		return IsValidRoomID(fl.Field().String())
	})
	_ = v.RegisterValidation("userid", func(fl validator.FieldLevel) bool {
		return IsValidUserID(fl.Field().String())
	})
	return v
}

// ValidateStruct runs struct-tag validation and folds failures into
// ErrInvalidArgument.
func ValidateStruct(s any) error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		fields := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			fields = append(fields, fmt.Sprintf("%s (%s)", fe.Field(), fe.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrInvalidArgument, strings.Join(fields, ", "))
	}
	return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
}

// Validate checks a command's shape before it reaches any hub component.
func (c Command) Validate() error {
	if err := ValidateStruct(c); err != nil {
		return err
	}
	if c.NeedsRoom() && c.Room == "" {
		return fmt.Errorf("%w: %s requires a room", ErrInvalidArgument, c.Type)
	}
	if c.Type == CommandAuthenticate && c.Token == "" {
		return fmt.Errorf("%w: missing token", ErrInvalidArgument)
	}
	return nil
}

// IsValidUserID checks the user id format.
func IsValidUserID(userID string) bool {
	return userIDRegex.MatchString(userID)
}

// IsValidRoomID checks the room id format.
func IsValidRoomID(roomID string) bool {
	return roomIDRegex.MatchString(roomID)
}

// IsValidRoomKind checks that kind is a known room kind.
func IsValidRoomKind(kind RoomKind) bool {
	switch kind {
	case RoomKindSupport, RoomKindOrder, RoomKindGeneral:
		return true
	default:
		return false
	}
}

// IsValidPriority checks that p is a known priority.
func IsValidPriority(p Priority) bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// IsValidSupportStatus checks that s is a known support status.
func IsValidSupportStatus(s SupportStatus) bool {
	switch s {
	case SupportPending, SupportAssigned, SupportResolved, SupportClosed, SupportReopened:
		return true
	default:
		return false
	}
}
