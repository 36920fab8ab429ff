//go:build !linux

package deck

import (
	"context"
	"errors"
)

func (k *Keypad) Run(ctx context.Context) error {
	return errors.New("keypad host requires linux evdev")
}
