//go:build v8

package realm

import (
	"github.com/hostedat/realm/internal/core"
	"github.com/hostedat/realm/internal/v8engine"
)

func newBackend(cfg core.RealmConfig) (core.Engine, error) {
	return v8engine.New(cfg.MemoryLimitMB)
}
