// Copyright (C) 2023 Mirrorlake, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package vm

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/dchest/siphash"
	"github.com/google/uuid"
)

// cacheDebug enables hit/miss logging for the routine cache.
var cacheDebug = os.Getenv("VEXPR_CACHE_DEBUG") != ""

// The routine cache is process-wide and unbounded: a typical pipeline
// compiles a handful of distinct expressions and holds them for the
// process lifetime. Entries are never evicted; cached routines are
// immutable and shared by reference.

var routineCache = struct {
	sync.Mutex
	m map[string]*Routine
}{m: make(map[string]*Routine)}

// cacheKey builds the stable text key identifying one compilation:
// input count, option mask, boundary default, expression text and all
// format descriptors.
func cacheKey(source string, numInputs int, out SampleFormat, in []SampleFormat, opts Options) string {
	var sb strings.Builder
	mirror := 0
	if opts.Mirror {
		mirror = 1
	}
	fmt.Fprintf(&sb, "n=%d|opt=%d|mirror=%d|expr=%s|vo=%s;", numInputs, opts.Opt, mirror, source, out)
	for i := range in {
		fmt.Fprintf(&sb, "|vi%d=%s;", i, in[i])
	}
	return sb.String()
}

// fingerprint condenses a cache key into a short stable identifier.
func fingerprint(key string) string {
	// fixed keys so fingerprints are stable across runs
	const (
		k0 = 0x7c2f7b51d2c5dd9a
		k1 = 0xb04f7a4e0bd3c887
	)
	lo, hi := siphash.Hash128(k0, k1, []byte(key))
	var mem [16]byte
	binary.LittleEndian.PutUint64(mem[:8], lo)
	binary.LittleEndian.PutUint64(mem[8:], hi)
	return base64.URLEncoding.EncodeToString(mem[:])
}

// CompileCached returns the cached routine for this exact compilation
// if one exists, compiling and publishing it otherwise. Two calls
// with an identical key observe the same *Routine.
func CompileCached(source string, numInputs int, out SampleFormat, in []SampleFormat, opts Options) (*Routine, error) {
	key := cacheKey(source, numInputs, out, in, opts)

	routineCache.Lock()
	defer routineCache.Unlock()
	if r, ok := routineCache.m[key]; ok {
		if cacheDebug {
			log.Printf("vm: cache hit %s %s", r.Fingerprint, r.DebugID)
		}
		return r, nil
	}
	r, err := Compile(source, numInputs, out, in, opts)
	if err != nil {
		return nil, err
	}
	r.Fingerprint = fingerprint(key)
	r.DebugID = uuid.New()
	routineCache.m[key] = r
	if cacheDebug {
		log.Printf("vm: compiled %s %s (%d entries cached)", r.Fingerprint, r.DebugID, len(routineCache.m))
	}
	return r, nil
}
