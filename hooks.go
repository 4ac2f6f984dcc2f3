package herdsync

// Hooks are lightweight callbacks for high-signal events across the sync layer.
// Implementations MUST be cheap and non-blocking; wrap slow sinks in hooks/async.
type Hooks interface {
	// An entry was deleted by the store on read or sweep.
	// reason ∈ {"corrupt", "version_mismatch", "expired"}
	SelfHeal(storageKey, reason string)

	// Provider returned ok=false on Set (pressure/eviction).
	ProviderSetRejected(storageKey string)

	// The storage medium is missing or failed; the operation degraded.
	// op ∈ {"get", "set", "delete", "scan"}
	StorageUnavailable(op string, err error)

	// An expiry sweep finished and removed n entries.
	Swept(removed int)

	// A queued mutation finished a replay attempt.
	// outcome ∈ {"completed", "retry", "failed"}
	OperationSettled(method, outcome string)

	// A sync pull was applied. mode ∈ {"full", "incremental"}
	SyncPulled(resource, mode string, records int)

	// A background lineage revalidation finished; replaced reports whether the
	// cached graph was swapped for a strictly newer one.
	GraphRevalidated(key string, replaced bool)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) SelfHeal(string, string)          {}
func (NopHooks) ProviderSetRejected(string)       {}
func (NopHooks) StorageUnavailable(string, error) {}
func (NopHooks) Swept(int)                        {}
func (NopHooks) OperationSettled(string, string)  {}
func (NopHooks) SyncPulled(string, string, int)   {}
func (NopHooks) GraphRevalidated(string, bool)    {}
