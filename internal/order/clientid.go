package order

import (
	"strings"
	"sync"

	"github.com/denisbrodbeck/machineid"
	"github.com/google/uuid"
)

var (
	hostOnce sync.Once
	hostTag  string
)

// host returns a short, stable tag for this machine so ids from two hosts
// sharing an account never collide.
func host() string {
	hostOnce.Do(func() {
		id, err := machineid.ProtectedID("tradebot")
		if err != nil || len(id) < 6 {
			hostTag = "000000"
			return
		}
		hostTag = id[:6]
	})
	return hostTag
}

// NewClientOrderID returns an idempotency key that fits the exchange limit
// of 36 characters.
func NewClientOrderID() string {
	u := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "tb" + host() + "-" + u[:24]
}
