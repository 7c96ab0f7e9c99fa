package realm

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/hostedat/realm/internal/core"
)

// Process-wide engine bring-up state. Initialized exactly once, never
// reset: re-initialization of the embedded engine mid-process is
// undefined behavior, so the flag has no teardown path.
var (
	initOnce    sync.Once
	initDone    atomic.Bool
	globalState struct {
		console core.ConsoleClient
		onCrash func()
	}
)

// InitOptions configures process-wide state shared by every realm.
type InitOptions struct {
	// Console receives console output from all realms. Nil routes to the
	// standard logger.
	Console core.ConsoleClient

	// OnCrash runs as the process-wide fatal-termination handler, before
	// the per-host OnFatalCrash hook. It must not touch engine state.
	OnCrash func()
}

// Initialize performs one-time process-wide setup. The first call wins;
// later calls are ignored, including their options. Create calls this
// with defaults if the embedder never does.
func Initialize(opts InitOptions) {
	initOnce.Do(func() {
		globalState.console = opts.Console
		globalState.onCrash = opts.OnCrash
		initDone.Store(true)
	})
}

// Initialized reports whether process-wide setup has run.
func Initialized() bool {
	return initDone.Load()
}

// consoleClient returns the process-wide console sink.
func consoleClient() core.ConsoleClient {
	return globalState.console
}

// crash invokes the process-wide crash handler and then the host hook.
// Called from recover paths on panics that cross the engine boundary; by
// the time this runs the engine heap is suspect, so nothing here reads it.
func crash(h core.Host, cause any) {
	log.Printf("fatal: panic crossing engine boundary: %v", cause)
	if fn := globalState.onCrash; fn != nil {
		fn()
	}
	if h != nil {
		h.OnFatalCrash()
	}
}
