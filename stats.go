package bwtree

import (
	"fmt"
	"sync/atomic"
)

// TxnStats counts one class of traversal outcome: a completed operation,
// or one that lost a CAS and restarted. original_source's tree/stats.rs
// keeps these two counters apart rather than folding restarts into the
// success counters, so a caller can see contention independently of
// throughput; we keep that split (spec §9 supplemented feature).
type TxnStats struct {
	Get      int64
	Put      int64
	Delete   int64
	Split    int64
	Consolid int64
	Merge    int64
	Remove   int64
}

func (t *TxnStats) merge(o TxnStats) {
	t.Get += o.Get
	t.Put += o.Put
	t.Delete += o.Delete
	t.Split += o.Split
	t.Consolid += o.Consolid
	t.Merge += o.Merge
	t.Remove += o.Remove
}

// atomicTxnStats is TxnStats with atomically-updated counters, one
// instance for successes and one for restarts.
type atomicTxnStats struct {
	get, put, del, split, consolid, merge, remove atomic.Int64
}

func (a *atomicTxnStats) snapshot() TxnStats {
	return TxnStats{
		Get:      a.get.Load(),
		Put:      a.put.Load(),
		Delete:   a.del.Load(),
		Split:    a.split.Load(),
		Consolid: a.consolid.Load(),
		Merge:    a.merge.Load(),
		Remove:   a.remove.Load(),
	}
}

// engineStats is the live counter block embedded in the tree and page
// store, mirroring the teacher's Stats struct shape: plain atomic
// counters bumped on the hot path, snapshotted into Stats on demand
// (spec §6 "Observability").
type engineStats struct {
	success atomicTxnStats
	restart atomicTxnStats

	bytesIncoming atomic.Int64
	bytesWritten  atomic.Int64

	cacheHits   atomic.Int64
	cacheMisses atomic.Int64

	numPages  atomic.Int64
	memSize   atomic.Int64
	allocSz   atomic.Int64
	freeSz    atomic.Int64
	reclaimSz atomic.Int64

	compactions  atomic.Int64
	filesCreated atomic.Int64
	filesRemoved atomic.Int64
}

// Stats is the point-in-time snapshot returned to callers (spec's
// external interface Stats()). Kept as two TxnStats rather than one, per
// original_source's tree/stats.rs split between successful and
// restarted traversals.
type Stats struct {
	Success TxnStats
	Restart TxnStats

	BytesIncoming int64
	BytesWritten  int64

	CacheHits   int64
	CacheMisses int64

	NumPages  int64
	MemSize   int64
	AllocSz   int64
	FreeSz    int64
	ReclaimSz int64

	Compactions  int64
	FilesCreated int64
	FilesRemoved int64
}

func (s *engineStats) snapshot() Stats {
	return Stats{
		Success:       s.success.snapshot(),
		Restart:       s.restart.snapshot(),
		BytesIncoming: s.bytesIncoming.Load(),
		BytesWritten:  s.bytesWritten.Load(),
		CacheHits:     s.cacheHits.Load(),
		CacheMisses:   s.cacheMisses.Load(),
		NumPages:      s.numPages.Load(),
		MemSize:       s.memSize.Load(),
		AllocSz:       s.allocSz.Load(),
		FreeSz:        s.freeSz.Load(),
		ReclaimSz:     s.reclaimSz.Load(),
		Compactions:   s.compactions.Load(),
		FilesCreated:  s.filesCreated.Load(),
		FilesRemoved:  s.filesRemoved.Load(),
	}
}

// String renders Stats as hand-built JSON, matching the teacher's
// plasma.go Stats.String() texture (field-per-line, no json.Marshal).
func (s Stats) String() string {
	var hitRatio float64
	if total := s.CacheHits + s.CacheMisses; total > 0 {
		hitRatio = float64(s.CacheHits) / float64(total)
	}
	return fmt.Sprintf("{\n"+
		"\"get\":              %d,\n"+
		"\"put\":              %d,\n"+
		"\"delete\":           %d,\n"+
		"\"split\":            %d,\n"+
		"\"consolidate\":      %d,\n"+
		"\"merge\":            %d,\n"+
		"\"remove\":           %d,\n"+
		"\"restart_get\":      %d,\n"+
		"\"restart_put\":      %d,\n"+
		"\"restart_delete\":   %d,\n"+
		"\"restart_split\":    %d,\n"+
		"\"restart_consolid\": %d,\n"+
		"\"restart_merge\":    %d,\n"+
		"\"restart_remove\":   %d,\n"+
		"\"bytes_incoming\":   %d,\n"+
		"\"bytes_written\":    %d,\n"+
		"\"cache_hits\":       %d,\n"+
		"\"cache_misses\":     %d,\n"+
		"\"cache_hit_ratio\":  %.5f,\n"+
		"\"num_pages\":        %d,\n"+
		"\"mem_size\":         %d,\n"+
		"\"allocated\":        %d,\n"+
		"\"freed\":            %d,\n"+
		"\"reclaimed\":        %d,\n"+
		"\"compactions\":      %d,\n"+
		"\"files_created\":    %d,\n"+
		"\"files_removed\":    %d\n}",
		s.Success.Get, s.Success.Put, s.Success.Delete, s.Success.Split,
		s.Success.Consolid, s.Success.Merge, s.Success.Remove,
		s.Restart.Get, s.Restart.Put, s.Restart.Delete, s.Restart.Split,
		s.Restart.Consolid, s.Restart.Merge, s.Restart.Remove,
		s.BytesIncoming, s.BytesWritten,
		s.CacheHits, s.CacheMisses, hitRatio,
		s.NumPages, s.MemSize, s.AllocSz, s.FreeSz, s.ReclaimSz,
		s.Compactions, s.FilesCreated, s.FilesRemoved)
}
