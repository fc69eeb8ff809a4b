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

// FP16<->FP32 conversion through integer bit manipulation. The
// normal-number path rescales the exponent with a multiply by a magic
// power of two; INF and NaN are fixed up by mask, keeping NaN
// payloads intact.

// f16to32 widens 16-bit float payloads (one per lane, in the low bits
// of ti) to 32-bit floats.
func f16to32(ti IntV) FloatV {
	magic := asFloat(splatI((254 - 15) << 23))
	inf16 := asFloat(splatI((127 + 16) << 23))
	sign := shlI(andI(ti, splatI(0x8000)), 16)
	ti = shlI(andI(ti, splatI(0x7fff)), 13)
	tf := mulF(asFloat(ti), magic)
	ti = asInt(tf)
	infmask := andI(cmpGEF(tf, inf16), splatI(255<<23))
	ti = orI(ti, orI(infmask, sign))
	return asFloat(ti)
}

// f32to16 narrows 32-bit floats to 16-bit payloads in the low bits of
// the result lanes. Results in the half subnormal range are rounded by
// the magic multiply; normal results are truncated toward zero.
func f32to16(x FloatV) IntV {
	f32infty := splatI(255 << 23)
	f16max := asFloat(splatI((127 + 16) << 23))
	magic := asFloat(splatI(15 << 23))
	expinf := splatI((255 ^ 31) << 23)
	ti := asInt(x)
	sign := andI(ti, splatI(-0x80000000))
	ti = xorI(ti, sign)
	sign = shrUI(sign, 16)
	nanmask := cmpEQI(andI(ti, f32infty), f32infty)
	ifnan := xorI(ti, expinf)
	normal := asInt(mulF(minF(asFloat(ti), f16max), magic))
	ti = blend(nanmask, ifnan, normal)
	return andI(orI(shrUI(ti, 13), sign), splatI(0xffff))
}
