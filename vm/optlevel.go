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
	"os"
	"strings"
	"sync"

	"golang.org/x/sys/cpu"
)

// OptimizationLevel describes the widest vector class of the CPU the
// process runs on. The kernels are portable Go and behave identically
// at every level; the level is surfaced through the version call so
// clients can reason about expected throughput.
type OptimizationLevel uint32

const (
	// No vector extensions detected.
	OptimizationLevelScalar OptimizationLevel = iota

	// AVX2-class vector support (one Lanes-wide f32 register).
	OptimizationLevelAVX2

	// Baseline AVX-512 (F, BW, DQ, CD, VL).
	OptimizationLevelAVX512
)

const optimizationLevelEnvVar = "VEXPR_OPT_LEVEL"

var (
	optLevelOnce sync.Once
	optLevel     OptimizationLevel
)

func optimizationLevelFromCPUFeatures() OptimizationLevel {
	if cpu.X86.HasAVX512F &&
		cpu.X86.HasAVX512BW &&
		cpu.X86.HasAVX512DQ &&
		cpu.X86.HasAVX512CD &&
		cpu.X86.HasAVX512VL {
		return OptimizationLevelAVX512
	}
	if cpu.X86.HasAVX2 && cpu.X86.HasFMA {
		return OptimizationLevelAVX2
	}
	return OptimizationLevelScalar
}

func optimizationLevelFromEnv() (OptimizationLevel, bool) {
	switch strings.ToLower(os.Getenv(optimizationLevelEnvVar)) {
	case "none", "scalar":
		return OptimizationLevelScalar, true
	case "avx2":
		return OptimizationLevelAVX2, true
	case "avx512":
		return OptimizationLevelAVX512, true
	}
	return 0, false
}

// CPULevel returns the detected optimization level, honouring the
// VEXPR_OPT_LEVEL environment variable override.
func CPULevel() OptimizationLevel {
	optLevelOnce.Do(func() {
		if lvl, ok := optimizationLevelFromEnv(); ok {
			optLevel = lvl
			return
		}
		optLevel = optimizationLevelFromCPUFeatures()
	})
	return optLevel
}

func (l OptimizationLevel) String() string {
	switch l {
	case OptimizationLevelAVX2:
		return "avx2"
	case OptimizationLevelAVX512:
		return "avx512"
	default:
		return "scalar"
	}
}
