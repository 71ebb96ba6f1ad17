package chain

import (
	"strings"

	"ledger-project/errs"
	"ledger-project/logger"

	"go.uber.org/zap"
)

// RegisterAsset records an asset name. It reports false when the name was
// already registered.
func (c *Chain) RegisterAsset(name string) (bool, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return false, errs.New(errs.ValidationFailure, "asset name is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, a := range c.assets {
		if a == name {
			return false, nil
		}
	}
	c.assets = append(c.assets, name)

	logger.Logger.Info("Asset registered", zap.String("asset", name))
	return true, nil
}

// Assets lists registered asset names in registration order.
func (c *Chain) Assets() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]string, len(c.assets))
	copy(out, c.assets)
	return out
}
