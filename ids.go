// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package capnweb

import "code.hybscloud.com/atomix"

// ImportID names an entry in the local import table. Positive values
// were chosen locally, negative values by the peer, 0 is the main
// capability.
type ImportID = int64

// ExportID names an entry in the local export table, with the inverse
// sign convention of ImportID.
type ExportID = int64

// MainID is the reserved ID of the root capability on each side.
const MainID int64 = 0

// idAllocator hands out session-unique IDs: importer-chosen IDs step
// +1 from 1, exporter-chosen IDs step -1 from -1. IDs are never reused
// within a session. Counters are global monotonic atomics, so stubs on
// application goroutines may allocate concurrently with the session
// task.
type idAllocator struct {
	positive atomix.Uint32
	negative atomix.Uint32
}

// nextImport returns the next locally chosen import ID.
func (a *idAllocator) nextImport() ImportID {
	return int64(a.positive.Add(1))
}

// nextExport returns the next locally chosen export ID.
func (a *idAllocator) nextExport() ExportID {
	return -int64(a.negative.Add(1))
}

// reserve advances both counters past the given magnitudes. Used when
// restoring a session so resumed IDs are never reallocated.
func (a *idAllocator) reserve(maxPositive, maxNegative uint32) {
	for a.positive.Load() < maxPositive {
		a.positive.Add(1)
	}
	for a.negative.Load() < maxNegative {
		a.negative.Add(1)
	}
}
