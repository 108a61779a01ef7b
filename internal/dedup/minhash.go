package dedup

import (
	"hash/fnv"
	"strings"
	"unicode"

	"github.com/memory-mesh/memory-mesh/pkg/models"
)

// shingleWidth is the token window hashed into the MinHash set. Three
// tokens is wide enough that reordered prose stops matching while
// trivial edits still do.
const shingleWidth = 3

// Signature computes the MinHash sketch of text over word shingles,
// models.MinHashSize slots wide. Slot k uses the universal family
// h_k(s) = h1(s) + k*h2(s), so two FNV passes per shingle cover all
// slots. Returns nil for text with no tokens; callers skip near-dup
// linking for such records.
func Signature(text string) []uint64 {
	shingles := shingleSet(text)
	if len(shingles) == 0 {
		return nil
	}

	sig := make([]uint64, models.MinHashSize)
	for i := range sig {
		sig[i] = ^uint64(0)
	}
	for s := range shingles {
		h1 := fnvSum(s, 0)
		h2 := fnvSum(s, 1) | 1
		hk := h1
		for k := 0; k < models.MinHashSize; k++ {
			if hk < sig[k] {
				sig[k] = hk
			}
			hk += h2
		}
	}
	return sig
}

// SignatureSimilarity estimates Jaccard similarity as the fraction of
// matching slots.
func SignatureSimilarity(a, b []uint64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	match := 0
	for i := range a {
		if a[i] == b[i] {
			match++
		}
	}
	return float64(match) / float64(len(a))
}

// FoldSignature compresses a signature into the 16-byte fingerprint
// stored at the cold tier: the XOR of each half of the slots.
func FoldSignature(sig []uint64) [16]byte {
	var out [16]byte
	if len(sig) == 0 {
		return out
	}
	half := len(sig) / 2
	var lo, hi uint64
	for i := 0; i < half; i++ {
		lo ^= sig[i]
	}
	for i := half; i < len(sig); i++ {
		hi ^= sig[i]
	}
	for i := 0; i < 8; i++ {
		out[i] = byte(lo >> (8 * i))
		out[8+i] = byte(hi >> (8 * i))
	}
	return out
}

func shingleSet(text string) map[string]struct{} {
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	set := make(map[string]struct{})
	if len(tokens) < shingleWidth {
		for _, tok := range tokens {
			set[tok] = struct{}{}
		}
		return set
	}
	var b strings.Builder
	for i := 0; i+shingleWidth <= len(tokens); i++ {
		b.Reset()
		for j := 0; j < shingleWidth; j++ {
			if j > 0 {
				b.WriteByte(0x1f)
			}
			b.WriteString(tokens[i+j])
		}
		set[b.String()] = struct{}{}
	}
	return set
}

func fnvSum(s string, salt byte) uint64 {
	h := fnv.New64a()
	h.Write([]byte{salt})
	h.Write([]byte(s))
	return h.Sum64()
}
