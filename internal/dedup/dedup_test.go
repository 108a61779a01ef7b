package dedup

import (
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memory-mesh/memory-mesh/pkg/models"
)

const baseText = `The aggregation service pulls upload manifests from object storage,
verifies every content hash against the shard dedup index, and inserts new records
into the hot tier. Records age into the warm tier after the configured time to live
expires, where embeddings are quantized to eight bits and content is replaced by an
extractive summary. The cold tier keeps a single sentence and a fingerprint.`

func TestSignatureDeterministic(t *testing.T) {
	a := Signature(baseText)
	b := Signature(baseText)
	require.Len(t, a, models.MinHashSize)
	assert.Equal(t, a, b)
}

func TestSignatureEmptyText(t *testing.T) {
	assert.Nil(t, Signature(""))
	assert.Nil(t, Signature("   \n\t ..."))
}

func TestSignatureSimilarity(t *testing.T) {
	orig := Signature(baseText)
	edited := Signature(strings.Replace(baseText, "quantized", "compressed", 1))
	unrelated := Signature("completely different words about gardening tulips and watering cans in spring")

	assert.Equal(t, 1.0, SignatureSimilarity(orig, orig))
	assert.Greater(t, SignatureSimilarity(orig, edited), 0.8, "one-word edit stays a near duplicate")
	assert.Less(t, SignatureSimilarity(orig, unrelated), 0.2)
	assert.Zero(t, SignatureSimilarity(orig, nil))
}

func TestFoldSignature(t *testing.T) {
	a := FoldSignature(Signature(baseText))
	b := FoldSignature(Signature(baseText))
	other := FoldSignature(Signature("short unrelated sentence for folding"))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, other)
	assert.NotEqual(t, [16]byte{}, a)
	assert.Equal(t, [16]byte{}, FoldSignature(nil))
}

func TestSeenExact(t *testing.T) {
	x := New(Config{}, nil)
	hash := strings.Repeat("ab", 32)

	_, seen := x.SeenExact(hash)
	assert.False(t, seen)

	x.Add("r1", hash, nil)
	owner, seen := x.SeenExact(hash)
	assert.True(t, seen)
	assert.Equal(t, "r1", owner)

	// Second add of the same hash keeps the first owner.
	x.Add("r2", hash, nil)
	owner, _ = x.SeenExact(hash)
	assert.Equal(t, "r1", owner)
	assert.Equal(t, 1, x.Len())
}

func TestNearDuplicates(t *testing.T) {
	x := New(Config{}, nil)
	origSig := Signature(baseText)
	x.Add("orig", "hash-orig", origSig)
	x.Add("other", "hash-other", Signature("totally unrelated content about sailing boats across the northern sea"))

	editedSig := Signature(strings.Replace(baseText, "quantized", "compressed", 1))
	matches := x.NearDuplicates(editedSig, "edited")
	require.Len(t, matches, 1)
	assert.Equal(t, "orig", matches[0].RecordID)
	assert.GreaterOrEqual(t, matches[0].Similarity, 0.8)

	// The record itself is excluded from its own candidates.
	self := x.NearDuplicates(origSig, "orig")
	assert.Empty(t, self)

	assert.Nil(t, x.NearDuplicates(nil, ""))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shard-3.sig")

	x := New(Config{}, nil)
	for i := 0; i < 20; i++ {
		text := fmt.Sprintf("%s variant number %d with a few extra words", baseText, i)
		x.Add(fmt.Sprintf("r%02d", i), fmt.Sprintf("%064d", i), Signature(text))
	}
	require.NoError(t, x.SaveFile(path))

	loaded, err := LoadFile(path, Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 20, loaded.Len())

	owner, seen := loaded.SeenExact(fmt.Sprintf("%064d", 7))
	assert.True(t, seen)
	assert.Equal(t, "r07", owner)

	matches := loaded.NearDuplicates(Signature(baseText+" variant number 3 with a few extra words"), "")
	require.NotEmpty(t, matches)
	assert.Equal(t, "r03", matches[0].RecordID)
	assert.Equal(t, 1.0, matches[0].Similarity)
}

func TestLoadMissingFile(t *testing.T) {
	x, err := LoadFile(filepath.Join(t.TempDir(), "absent.sig"), Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, x.Len())
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, 16, cfg.Bands)
	assert.Equal(t, 8, cfg.RowsPerBand)
	assert.InDelta(t, 0.8, cfg.NearThreshold, 1e-9)
	assert.Equal(t, uint(100_000), cfg.ExpectedItems)
}

func BenchmarkSignature(b *testing.B) {
	for i := 0; i < b.N; i++ {
		Signature(baseText)
	}
}

func BenchmarkNearDuplicates(b *testing.B) {
	x := New(Config{}, nil)
	for i := 0; i < 1000; i++ {
		x.Add(fmt.Sprintf("r%04d", i), fmt.Sprintf("%064d", i),
			Signature(fmt.Sprintf("%s salt %d", baseText, i)))
	}
	probe := Signature(baseText + " salt 500")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		x.NearDuplicates(probe, "")
	}
}
