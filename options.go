package bwtree

// Options configures a Table (spec §6 "Configuration"), mirroring the
// teacher's Config-with-applyConfigDefaults convention: a caller fills in
// only what it cares about and DefaultOptions backstops the rest. Only
// zero-valued FilePrefix, CacheSizeBytes, PageFileSizeBytes, the two
// consolidation thresholds, SplitSizeBytes and Logger are backfilled;
// MergeThresholdBytes, EnableMergeSMO and UseDirectIO are taken as given.
type Options struct {
	// Dir is the directory holding this table's page files.
	Dir string
	// FilePrefix names each page file as "{FilePrefix}_{file_id}".
	FilePrefix string

	// CacheSizeBytes bounds in-memory page frame residency before the
	// swapper starts evicting (spec §4.4 "Page-out").
	CacheSizeBytes int64
	// PageFileSizeBytes is the rollover threshold: a file builder
	// finishes and a new one opens once its logical size would exceed
	// this (spec §4.4 "File rollover").
	PageFileSizeBytes int64

	// ConsolidateThresholdLeaf/Inner is the delta-chain length at which a
	// writer opportunistically consolidates a chain into a fresh base
	// frame (spec §4.1 "Consolidation"). Only writes to leaves trigger
	// consolidation, so ConsolidateThresholdInner has no effect: inner
	// chains grown by posted index terms are not consolidated.
	ConsolidateThresholdLeaf  int
	ConsolidateThresholdInner int

	// SplitSizeBytes is the base frame size, post-consolidation, that
	// triggers a split SMO (spec §4.2 "Split").
	SplitSizeBytes int

	// MergeThresholdBytes is the base frame size below which an empty or
	// near-empty leaf becomes eligible for a merge SMO (spec §4.2
	// "Merge/Remove"); 0 disables merge SMOs entirely.
	MergeThresholdBytes int
	// EnableMergeSMO gates merge/remove separately from the threshold,
	// for callers that want split-only trees (spec §9 open question b).
	EnableMergeSMO bool

	// UseDirectIO selects O_DIRECT page files; false is a plain buffered
	// file, useful under test or on filesystems that reject O_DIRECT
	// (spec §4.4 "Direct I/O").
	UseDirectIO bool

	Logger Logger
}

func DefaultOptions() Options {
	return Options{
		FilePrefix:                "bwtree",
		CacheSizeBytes:            256 << 20,
		PageFileSizeBytes:         64 << 20,
		ConsolidateThresholdLeaf:  8,
		ConsolidateThresholdInner: 4,
		SplitSizeBytes:            8 << 10,
		MergeThresholdBytes:       1 << 10,
		EnableMergeSMO:            true,
		UseDirectIO:               true,
		Logger:                    newStdLogger(),
	}
}

func applyOptionDefaults(o Options) Options {
	d := DefaultOptions()
	if o.FilePrefix == "" {
		o.FilePrefix = d.FilePrefix
	}
	if o.CacheSizeBytes == 0 {
		o.CacheSizeBytes = d.CacheSizeBytes
	}
	if o.PageFileSizeBytes == 0 {
		o.PageFileSizeBytes = d.PageFileSizeBytes
	}
	if o.ConsolidateThresholdLeaf == 0 {
		o.ConsolidateThresholdLeaf = d.ConsolidateThresholdLeaf
	}
	if o.ConsolidateThresholdInner == 0 {
		o.ConsolidateThresholdInner = d.ConsolidateThresholdInner
	}
	if o.SplitSizeBytes == 0 {
		o.SplitSizeBytes = d.SplitSizeBytes
	}
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	return o
}
