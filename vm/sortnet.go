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

import "sync"

// comparator orders a pair of stack positions: after it runs,
// position A holds the smaller value and position B the larger.
type comparator struct {
	a, b int
}

var sortNets = struct {
	sync.Mutex
	m map[int][]comparator
}{m: make(map[int][]comparator)}

// sortNet returns the Batcher odd-even merge network over n
// elements. Networks are built on first use and memoised.
func sortNet(n int) []comparator {
	if n < 2 {
		return nil
	}
	sortNets.Lock()
	defer sortNets.Unlock()
	if sn, ok := sortNets.m[n]; ok {
		return sn
	}

	var sn []comparator
	t := 0
	for n > 1<<t {
		t++
	}
	for p := 1 << (t - 1); p > 0; p >>= 1 {
		q, r, d := 1<<(t-1), 0, p
		for d > 0 {
			for i := 0; i < n-d; i++ {
				if i&p == r {
					sn = append(sn, comparator{i, i + d})
				}
			}
			d = q - p
			q >>= 1
			r = p
		}
	}
	sortNets.m[n] = sn
	return sn
}
