package core

// SourceTag discriminates the payload of a ResolvedSource.
type SourceTag int

const (
	// SourceScript marks plain JavaScript (or transpilable) source text.
	SourceScript SourceTag = iota
	// SourceBytecode marks a precompiled engine bytecode buffer. The wire
	// format of the buffer is an engine concern, not specified here.
	SourceBytecode
)

// ResolvedSource is the tagged result of a host fetch: either script source
// or a bytecode buffer, plus the provenance URL used for diagnostics and
// import.meta.url. Consumed once by the loader's evaluate step.
type ResolvedSource struct {
	Tag       SourceTag
	Code      []byte
	SourceURL string
}

// Host is the callback surface the realm uses to reach into the embedding
// program for module resolution, source fetch, scheduling, and error
// reporting. A single interface value replaces the engine-style positional
// method table so adding a hook is a compile error, not a silent miscount.
//
// Resolve and Fetch are invoked synchronously on the script goroutine; a
// hook that blocks hangs the script (documented limitation). The realm
// passes host-returned errors through unmodified.
type Host interface {
	// Resolve maps a specifier and referrer to an absolute module key.
	// An empty referrer means "loaded from the default working root".
	Resolve(specifier, referrer string) (string, error)

	// Fetch returns the source or bytecode for a previously resolved key.
	// hint is the opaque source value threaded through by the engine's
	// module system (may be empty).
	Fetch(key, hint string) (ResolvedSource, error)

	// ReportUncaughtException is called for exceptions that escape to the
	// top of the script execution.
	ReportUncaughtException(err error)

	// TrackPromiseRejection is called when a promise is rejected with no
	// handler attached (handled=false), and again if a handler is attached
	// later (handled=true).
	TrackPromiseRejection(reason string, handled bool)

	// QueueMicrotask hands an engine-originated microtask to the host's
	// event loop. The realm does not drain its own queue except at the
	// module-fetch synchronization point.
	QueueMicrotask(task func())

	// SetTimer schedules fire to run after delayMs (repeatedly when
	// interval is true) and returns the timer id. The host owns id
	// allocation and cancellation semantics.
	SetTimer(delayMs int, interval bool, fire func(id int)) int

	// ClearTimer cancels a timer by id. Unknown ids are ignored.
	ClearTimer(id int)

	// OnFatalCrash is the process-wide terminate handler. It must not
	// allocate or touch the engine's heap, which may already be corrupted.
	OnFatalCrash()
}

// ConsoleClient receives console output from a realm. A single client is
// installed process-wide at engine bring-up and never replaced.
type ConsoleClient interface {
	Write(level, message string)
}
