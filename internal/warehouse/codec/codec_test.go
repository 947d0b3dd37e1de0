package codec

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"testing"

	"github.com/vykr/strata/internal/warehouse/types"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func newCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := New(testKey(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// Compressible test payload: repeated text.
func compressiblePayload() []byte {
	return bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog\n"), 200)
}

func TestCodec_RoundTripAllPolicies(t *testing.T) {
	c := newCodec(t)

	payloads := [][]byte{
		compressiblePayload(),
		[]byte("short"),
		{},
	}

	// High-entropy payload exercises the incompressible fallback.
	random := make([]byte, 4096)
	rand.Read(random)
	payloads = append(payloads, random)

	for _, policy := range types.DefaultRegistry().Policies() {
		for i, payload := range payloads {
			encoded, _, err := c.Encode("rec-1", payload, policy)
			if err != nil {
				t.Fatalf("tier %s payload %d: Encode: %v", policy.Tier, i, err)
			}

			decoded, err := c.Decode("rec-1", encoded)
			if err != nil {
				t.Fatalf("tier %s payload %d: Decode: %v", policy.Tier, i, err)
			}

			if !bytes.Equal(decoded, payload) {
				t.Errorf("tier %s payload %d: round trip mismatch (%d bytes in, %d out)",
					policy.Tier, i, len(payload), len(decoded))
			}
		}
	}
}

func TestCodec_EncodingReflectsTransforms(t *testing.T) {
	c := newCodec(t)
	r := types.DefaultRegistry()

	_, enc, err := c.Encode("rec-1", compressiblePayload(), r.PolicyFor(types.TierCold))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !enc.Compressed || !enc.Encrypted {
		t.Errorf("cold tier should compress and encrypt, got %+v", enc)
	}

	_, enc, err = c.Encode("rec-1", compressiblePayload(), r.PolicyFor(types.TierHot))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if enc.Compressed || enc.Encrypted {
		t.Errorf("hot tier should apply no transforms, got %+v", enc)
	}
}

func TestCodec_IncompressibleFallsBackToPlain(t *testing.T) {
	c := newCodec(t)

	random := make([]byte, 2048)
	rand.Read(random)

	_, enc, err := c.Encode("rec-1", random, types.TierPolicy{Tier: types.TierWarm, Compress: true})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if enc.Compressed {
		t.Error("random bytes should be stored uncompressed")
	}
}

func TestCodec_CompressionShrinksPayload(t *testing.T) {
	c := newCodec(t)

	payload := compressiblePayload()
	encoded, enc, err := c.Encode("rec-1", payload, types.TierPolicy{Tier: types.TierWarm, Compress: true})
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if !enc.Compressed {
		t.Fatal("expected compression to apply")
	}
	if len(encoded) >= len(payload) {
		t.Errorf("encoded %d bytes not smaller than raw %d", len(encoded), len(payload))
	}
}

func TestCodec_RecordIDBoundAsAAD(t *testing.T) {
	c := newCodec(t)
	policy := types.TierPolicy{Tier: types.TierCold, Encrypt: true}

	encoded, _, err := c.Encode("rec-original", []byte("sensitive"), policy)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// Relabeling the ciphertext to a different record id must fail
	// authentication.
	_, err = c.Decode("rec-other", encoded)
	if !errors.Is(err, types.ErrDecode) {
		t.Errorf("expected ErrDecode for relabeled ciphertext, got %v", err)
	}

	if _, err := c.Decode("rec-original", encoded); err != nil {
		t.Errorf("decode under original id: %v", err)
	}
}

func TestCodec_TamperedCiphertextFails(t *testing.T) {
	c := newCodec(t)
	policy := types.TierPolicy{Tier: types.TierCold, Encrypt: true}

	encoded, _, err := c.Encode("rec-1", compressiblePayload(), policy)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	tampered := make([]byte, len(encoded))
	copy(tampered, encoded)
	tampered[len(tampered)-1] ^= 0xFF

	if _, err := c.Decode("rec-1", tampered); !errors.Is(err, types.ErrDecode) {
		t.Errorf("expected ErrDecode for tampered ciphertext, got %v", err)
	}
}

func TestCodec_WrongKeyFails(t *testing.T) {
	a := newCodec(t)
	b := newCodec(t)
	policy := types.TierPolicy{Tier: types.TierCold, Encrypt: true}

	encoded, _, err := a.Encode("rec-1", []byte("payload"), policy)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if _, err := b.Decode("rec-1", encoded); !errors.Is(err, types.ErrDecode) {
		t.Errorf("expected ErrDecode under wrong key, got %v", err)
	}
}

func TestCodec_MalformedFrames(t *testing.T) {
	c := newCodec(t)

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"one byte", []byte{frameVersion}},
		{"bad version", []byte{0x7F, 0x00, 'x'}},
		{"encrypted but truncated", []byte{frameVersion, flagEncrypted, 0x01, 0x02}},
		{"compressed but no size", []byte{frameVersion, flagCompressed, 0x01}},
	}

	for _, tt := range tests {
		if _, err := c.Decode("rec-1", tt.data); !errors.Is(err, types.ErrDecode) {
			t.Errorf("%s: expected ErrDecode, got %v", tt.name, err)
		}
	}
}

func TestCodec_EncryptingPolicyWithoutKey(t *testing.T) {
	c, err := New(nil)
	if err != nil {
		t.Fatalf("New(nil): %v", err)
	}

	_, _, err = c.Encode("rec-1", []byte("x"), types.TierPolicy{Tier: types.TierCold, Encrypt: true})
	if err == nil {
		t.Fatal("expected error encoding for an encrypting tier without a key")
	}
	if !strings.Contains(err.Error(), "master key") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNew_RejectsBadKeySize(t *testing.T) {
	if _, err := New(make([]byte, 16)); err == nil {
		t.Error("expected error for 16-byte key")
	}
}
