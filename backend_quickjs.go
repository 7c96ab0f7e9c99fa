//go:build !v8

package realm

import (
	"github.com/hostedat/realm/internal/core"
	"github.com/hostedat/realm/internal/quickjs"
)

func newBackend(cfg core.RealmConfig) (core.Engine, error) {
	return quickjs.New(cfg.MemoryLimitMB)
}
