package tokenizer

import (
	"context"
	"errors"
	"time"
)

// Clock abstracts time. Nothing in the engine or its stores accepts a
// Clock: expiry and TTL checks read time.Now directly.
type Clock interface {
	Now() time.Time
}

func isDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicate)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func isInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// withCancel returns ctx.Err() if ctx has already been cancelled or timed
// out, nil otherwise. It is unexported and has no callers in this module;
// the store packages check their contexts through their own drivers.
func withCancel(ctx context.Context) error {
	return ctx.Err()
}
