package core

// RealmConfig holds construction-time configuration for a realm.
type RealmConfig struct {
	MemoryLimitMB    int      // per-engine memory limit, 0 = engine default
	WorkingRoot      string   // default referrer directory for bare resolves
	NativeModuleExts []string // extensions rejected by the ES module fetch path
	MaxEvalDepth     int      // module graph depth guard, 0 = default
}

// DefaultNativeModuleExts lists extensions that must go through the
// synchronous native-module loader rather than import.
var DefaultNativeModuleExts = []string{".node"}

// WithDefaults fills zero-valued fields with usable defaults.
func (c RealmConfig) WithDefaults() RealmConfig {
	if len(c.NativeModuleExts) == 0 {
		c.NativeModuleExts = DefaultNativeModuleExts
	}
	if c.MaxEvalDepth == 0 {
		c.MaxEvalDepth = 256
	}
	if c.WorkingRoot == "" {
		c.WorkingRoot = "/"
	}
	return c
}
