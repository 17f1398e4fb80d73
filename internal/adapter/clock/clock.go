package clock

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("market-clock")

const headerTimeout = 3 * time.Second

// System reads the local wall clock.
type System struct{}

func (System) Now() time.Time {
	return time.Now()
}

// Chain reports the timestamp of the latest block, so deadlines are judged
// against the same time source as the settlement chain. When the node is
// unreachable it falls back to the last observed block time, then to the
// local clock.
type Chain struct {
	client *ethclient.Client

	mu   sync.Mutex
	last time.Time
}

func NewChain(client *ethclient.Client) *Chain {
	return &Chain{client: client}
}

func (c *Chain) Now() time.Time {
	ctx, cancel := context.WithTimeout(context.Background(), headerTimeout)
	defer cancel()

	c.mu.Lock()
	defer c.mu.Unlock()

	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		log.Warnf("latest header unavailable: %v", err)
		if !c.last.IsZero() {
			return c.last
		}
		return time.Now()
	}

	c.last = time.Unix(int64(head.Time), 0)
	return c.last
}
