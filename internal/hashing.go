// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package internal

import (
	"encoding/binary"

	"github.com/zeebo/xxh3"
)

// separator keeps ("ab", "c") and ("a", "bc") apart.
var separator = []byte{0}

// AsXXHash returns the XXHash128 of the given parts.
func AsXXHash(parts ...[]byte) xxh3.Uint128 {
	h := xxh3.New()
	for i, part := range parts {
		if i > 0 {
			_, _ = h.Write(separator)
		}
		_, _ = h.Write(part)
	}
	return h.Sum128()
}

// FingerprintStrings hashes the given strings into a fixed size key usable in maps and LRUs.
func FingerprintStrings(parts ...string) [16]byte {
	raw := make([][]byte, len(parts))
	for i, p := range parts {
		raw[i] = []byte(p)
	}
	return Uint128ToBytes(AsXXHash(raw...))
}

// Uint128ToBytes converts a uint128 to a byte array
func Uint128ToBytes(a xxh3.Uint128) (b [16]byte) {
	binary.LittleEndian.PutUint64(b[0:8], a.Lo)
	binary.LittleEndian.PutUint64(b[8:16], a.Hi)
	return
}
