package signing

import (
	"fmt"

	"github.com/rl1809/token-marketplace/internal/core/domain"
	"github.com/rl1809/token-marketplace/internal/port"
)

// Guard enforces the temporal and replay constraints of signed actions.
type Guard struct {
	clock port.Clock
}

func NewGuard(clock port.Clock) Guard {
	return Guard{clock: clock}
}

// CheckDeadline fails once the current time is strictly after deadline. A
// clock reading before the Unix epoch is treated as expired.
func (g Guard) CheckDeadline(deadline uint64) error {
	now := g.clock.Now().Unix()
	if now < 0 {
		return fmt.Errorf("%w: clock reads %d, before the epoch", domain.ErrExpired, now)
	}
	if uint64(now) > deadline {
		return fmt.Errorf("%w: deadline %d, now %d", domain.ErrExpired, deadline, now)
	}
	return nil
}

// CheckNonce requires the claimed nonce to equal the principal's counter.
// Stale and future nonces are both rejected.
func CheckNonce(claimed, current uint64) error {
	if claimed != current {
		return fmt.Errorf("%w: got %d, want %d", domain.ErrNonceMismatch, claimed, current)
	}
	return nil
}
