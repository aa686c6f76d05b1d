package bwtree

// Table is the front-end façade over a Tree (spec §6 "User-facing API"):
// open/close/get/put/delete, the only names a caller outside this
// package needs.
type Table struct {
	tree *Tree
}

// Open opens or creates a table rooted at path, backfilling opts' zero
// fields from DefaultOptions as applyOptionDefaults does (spec's
// `open(path, options) -> Table`).
func Open(path string, opts Options) (*Table, error) {
	opts.Dir = path
	tree, err := OpenTree(opts)
	if err != nil {
		return nil, err
	}
	return &Table{tree: tree}, nil
}

func (t *Table) Close() error { return t.tree.Close() }

// Get looks up key at lsn and invokes visitor with (value, true) if a
// live version is visible, or (nil, false) if absent or tombstoned
// (spec's "visitor is invoked with Some(bytes) or None").
func (t *Table) Get(key []byte, lsn uint64, visitor func(value []byte, found bool)) error {
	v, ok, err := t.tree.Get(key, lsn)
	if err != nil {
		return err
	}
	if !ok {
		visitor(nil, false)
		return nil
	}
	visitor(v.Data, true)
	return nil
}

// GetValue is a convenience wrapper over Get for callers that don't need
// the visitor form.
func (t *Table) GetValue(key []byte, lsn uint64) ([]byte, bool, error) {
	var (
		out   []byte
		found bool
	)
	err := t.Get(key, lsn, func(value []byte, ok bool) {
		out, found = value, ok
	})
	return out, found, err
}

func (t *Table) Put(key, value []byte, lsn uint64) error {
	return t.tree.Put(key, value, lsn)
}

func (t *Table) Delete(key []byte, lsn uint64) error {
	return t.tree.Delete(key, lsn)
}

func (t *Table) Stats() Stats { return t.tree.Stats() }
