package broadcast

import (
	"fmt"

	"content-sync/internal/core/cache"
)

// New builds the bus selected by driver ("redis", "file" or "memory").
// The Redis driver needs c; the file driver needs dir.
func New(driver, dir string, c cache.Cache) (Bus, error) {
	switch driver {
	case "redis":
		if c == nil {
			return nil, fmt.Errorf("redis broadcast driver needs a cache")
		}
		return NewRedisBus(c), nil
	case "file":
		return NewFileBus(dir)
	case "memory":
		return NewMemoryBus(), nil
	default:
		return nil, fmt.Errorf("unknown broadcast driver %q", driver)
	}
}
