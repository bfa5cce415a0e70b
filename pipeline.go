package imagecache

// C6's "at most once per distinct processor identifier" guarantee
// (spec.md §4.6) is implemented in manager.go's fetchAndProcess via
// golang.org/x/sync/singleflight keyed on the effective key (cache key
// plus processor identifier): concurrent Retrieve calls that share both
// the source and the processor collapse into one decode+process
// invocation, while calls that share the source but differ in processor
// run independently, each exactly once. That singleflight group already
// owns the "K distinct identifiers, K invocations" bookkeeping a
// separate fan-out dictionary would otherwise duplicate; this file keeps
// only the key-scoping helper both manager.go and prefetcher.go need.

// effectiveKey computes the disk/memory key spec.md §3 defines: `key` when
// processorIdentifier is empty, else `key@processorIdentifier`.
func effectiveKey(key, processorIdentifier string) string {
	if processorIdentifier == "" {
		return key
	}
	return key + "@" + processorIdentifier
}
