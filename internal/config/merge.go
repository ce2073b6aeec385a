package config

// Merge folds override on top of base: any pointer field set in override
// replaces base's, and a non-empty Exclude list in override replaces
// (not appends to) base's, matching viper's own "last layer wins" list
// semantics rather than the teacher's struct (which has no lists at all
// to merge — this rule is new, written for spec.md §6's exclude option).
func Merge(base, override Raw) Raw {
	out := base
	if override.From != nil {
		out.From = override.From
	}
	if override.To != nil {
		out.To = override.To
	}
	if override.FromFolder != nil {
		out.FromFolder = override.FromFolder
	}
	if override.ToFolder != nil {
		out.ToFolder = override.ToFolder
	}
	if override.All != nil {
		out.All = override.All
	}
	if override.AllSubscribed != nil {
		out.AllSubscribed = override.AllSubscribed
	}
	if override.NoRecurse != nil {
		out.NoRecurse = override.NoRecurse
	}
	if override.Delete != nil {
		out.Delete = override.Delete
	}
	if override.Expunge != nil {
		out.Expunge = override.Expunge
	}
	if override.SyncFlags != nil {
		out.SyncFlags = override.SyncFlags
	}
	if override.DryRun != nil {
		out.DryRun = override.DryRun
	}
	if override.NoCreateFolder != nil {
		out.NoCreateFolder = override.NoCreateFolder
	}
	if len(override.Exclude) > 0 {
		out.Exclude = override.Exclude
	}
	if override.ExcludeFile != nil {
		out.ExcludeFile = override.ExcludeFile
	}
	if override.SSLCerts != nil {
		out.SSLCerts = override.SSLCerts
	}
	if override.SSLVerify != nil {
		out.SSLVerify = override.SSLVerify
	}
	if override.MaxRetries != nil {
		out.MaxRetries = override.MaxRetries
	}
	if override.Verbosity != nil {
		out.Verbosity = override.Verbosity
	}
	if override.FromFastScan != nil {
		out.FromFastScan = override.FromFastScan
	}
	if override.ToFastScan != nil {
		out.ToFastScan = override.ToFastScan
	}
	if override.PoolMaxConnections != nil {
		out.PoolMaxConnections = override.PoolMaxConnections
	}
	if override.PoolTimeout != nil {
		out.PoolTimeout = override.PoolTimeout
	}
	if override.PoolSleep != nil {
		out.PoolSleep = override.PoolSleep
	}
	if override.LogFormat != nil {
		out.LogFormat = override.LogFormat
	}
	if override.Database != nil {
		out.Database = override.Database
	}
	return out
}
