// Copyright (c) 2017 Couchbase, Inc.
// Licensed under the Apache License, Version 2.0 (the "License"); you may not use this file
// except in compliance with the License. You may obtain a copy of the License at
//   http://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software distributed under the
// License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND,
// either express or implied. See the License for the specific language governing permissions
// and limitations under the License.

package bwtree

import "bytes"

// Key is the ordered unit the tree indexes on: raw caller bytes paired with
// the caller-supplied LSN of the write that produced this version. Ordering
// is lexicographic on Raw ascending, then LSN descending, so the newest
// version of a raw key sorts first.
type Key struct {
	Raw []byte
	LSN uint64
}

// Compare orders a before b per the spec: raw bytes ascending, LSN
// descending within the same raw key.
func (a Key) Compare(b Key) int {
	if c := bytes.Compare(a.Raw, b.Raw); c != 0 {
		return c
	}
	switch {
	case a.LSN > b.LSN:
		return -1
	case a.LSN < b.LSN:
		return 1
	default:
		return 0
	}
}

func (a Key) Less(b Key) bool { return a.Compare(b) < 0 }

// ValueKind tags a Value as a live put or a tombstone.
type ValueKind uint8

const (
	ValuePut ValueKind = iota
	ValueDelete
)

// Value is the tagged union the spec calls {Put(bytes), Delete}.
type Value struct {
	Kind ValueKind
	Data []byte
}

func PutValue(data []byte) Value    { return Value{Kind: ValuePut, Data: data} }
func DeleteValue() Value            { return Value{Kind: ValueDelete} }
func (v Value) IsDelete() bool      { return v.Kind == ValueDelete }
func (v Value) EncodedSize() int    { return 1 + len(v.Data) }

// Index is a child pointer carried by inner-page entries: the child's
// logical page ID and the epoch the parent last observed it at.
type Index struct {
	ID    PageID
	Epoch uint64
}

// record is a single sorted entry. For leaf pages V is a Value; for inner
// pages V is an Index. entry keeps both so the codec can stay generic over
// tier without reflection.
type record struct {
	Key   Key
	Value Value
	Index Index
}
