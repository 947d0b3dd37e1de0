// Package codec implements the byte-level transform pipeline applied
// to payloads on their way to and from a storage tier: compress then
// encrypt on write, decrypt then decompress on read. The order is
// fixed — compression is ineffective on already-encrypted,
// high-entropy bytes.
//
// Encoded frame layout:
//
//	[Version: 1 byte] [Flags: 1 byte] [Body]
//
// When the encrypted flag is set, Body is
// [Nonce: 24 bytes][Ciphertext+Tag]; the version byte, flags byte and
// the record id are bound as additional authenticated data, so a
// ciphertext cannot be silently relabeled to a different record id.
// When the compressed flag is set, the (decrypted) body is
// [RawSize: 8 bytes LE][zstd frame].
package codec

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/vykr/strata/internal/warehouse/types"
)

// KeySize is the size in bytes of the master key and all derived
// per-record keys.
const KeySize = 32

// frameVersion is prepended to every encoded payload and included in
// the AEAD associated data, so tampering with it fails authentication.
const frameVersion byte = 0x01

const (
	flagCompressed byte = 1 << 0
	flagEncrypted  byte = 1 << 1
)

const (
	frameHeaderSize = 2 // version + flags
	rawSizePrefix   = 8
)

// hkdfInfoRecord is the HKDF domain-separation prefix for per-record
// key derivation. Changing it invalidates all existing ciphertext.
var hkdfInfoRecord = []byte("strata.codec.record.v1")

// Encoding records which transforms were actually applied to a
// payload. It may lag the tier policy: incompressible data is stored
// plain even in a compressing tier.
type Encoding struct {
	Compressed bool
	Encrypted  bool
}

// Codec encodes and decodes payloads per tier policy. Safe for
// concurrent use: the zstd encoder and decoder are shared and
// concurrency-safe, and key derivation is stateless.
type Codec struct {
	masterKey []byte

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
}

// New creates a codec. masterKey must be exactly KeySize bytes, or nil
// for deployments with no encrypting tier; encoding for an encrypting
// policy without a key is an error.
func New(masterKey []byte) (*Codec, error) {
	if masterKey != nil && len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("init zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("init zstd decoder: %w", err)
	}

	key := make([]byte, len(masterKey))
	copy(key, masterKey)
	if masterKey == nil {
		key = nil
	}

	return &Codec{
		masterKey:   key,
		zstdEncoder: encoder,
		zstdDecoder: decoder,
	}, nil
}

// Encode transforms a raw payload for persistence in a tier governed
// by policy. Returns the framed bytes and the transforms actually
// applied.
func (c *Codec) Encode(recordID string, payload []byte, policy types.TierPolicy) ([]byte, Encoding, error) {
	var enc Encoding
	body := payload

	if policy.Compress {
		compressed := c.zstdEncoder.EncodeAll(payload, make([]byte, 0, len(payload)))
		// Store plain when compression does not pay for itself.
		if len(compressed)+rawSizePrefix < len(payload) {
			sized := make([]byte, rawSizePrefix, rawSizePrefix+len(compressed))
			binary.LittleEndian.PutUint64(sized, uint64(len(payload)))
			body = append(sized, compressed...)
			enc.Compressed = true
		}
	}

	if !policy.Encrypt {
		out := make([]byte, frameHeaderSize+len(body))
		out[0] = frameVersion
		out[1] = flags(enc)
		copy(out[frameHeaderSize:], body)
		return out, enc, nil
	}

	if c.masterKey == nil {
		return nil, Encoding{}, fmt.Errorf("tier %s mandates encryption but no master key is configured", policy.Tier)
	}
	enc.Encrypted = true

	aead, err := c.recordAEAD(recordID)
	if err != nil {
		return nil, Encoding{}, err
	}

	var nonce [chacha20poly1305.NonceSizeX]byte
	if _, err := io.ReadFull(rand.Reader, nonce[:]); err != nil {
		return nil, Encoding{}, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, frameHeaderSize+chacha20poly1305.NonceSizeX,
		frameHeaderSize+chacha20poly1305.NonceSizeX+len(body)+aead.Overhead())
	out[0] = frameVersion
	out[1] = flags(enc)
	copy(out[frameHeaderSize:], nonce[:])

	aad := buildAAD(frameVersion, flags(enc), recordID)
	out = aead.Seal(out, nonce[:], body, aad)
	return out, enc, nil
}

// Decode reverses Encode. The applied transforms are read from the
// frame flags, so payloads whose encoding predates a policy change
// still decode. All failures wrap types.ErrDecode: they are fatal for
// the operation and must not be retried blindly.
func (c *Codec) Decode(recordID string, encoded []byte) ([]byte, error) {
	if len(encoded) < frameHeaderSize {
		return nil, fmt.Errorf("%w: frame too short (%d bytes)", types.ErrDecode, len(encoded))
	}
	if encoded[0] != frameVersion {
		return nil, fmt.Errorf("%w: unsupported frame version %d", types.ErrDecode, encoded[0])
	}

	frameFlags := encoded[1]
	body := encoded[frameHeaderSize:]

	if frameFlags&flagEncrypted != 0 {
		if c.masterKey == nil {
			return nil, fmt.Errorf("%w: payload is encrypted but no master key is configured", types.ErrDecode)
		}
		if len(body) < chacha20poly1305.NonceSizeX {
			return nil, fmt.Errorf("%w: frame too short for nonce", types.ErrDecode)
		}

		aead, err := c.recordAEAD(recordID)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", types.ErrDecode, err)
		}

		nonce := body[:chacha20poly1305.NonceSizeX]
		ciphertext := body[chacha20poly1305.NonceSizeX:]
		aad := buildAAD(encoded[0], frameFlags, recordID)

		plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
		if err != nil {
			return nil, fmt.Errorf("%w: authentication failed (wrong key, tampered data, or mismatched record id): %v",
				types.ErrDecode, err)
		}
		body = plaintext
	}

	if frameFlags&flagCompressed != 0 {
		if len(body) < rawSizePrefix {
			return nil, fmt.Errorf("%w: frame too short for raw size", types.ErrDecode)
		}
		rawSize := binary.LittleEndian.Uint64(body[:rawSizePrefix])

		decompressed, err := c.zstdDecoder.DecodeAll(body[rawSizePrefix:], make([]byte, 0, rawSize))
		if err != nil {
			return nil, fmt.Errorf("%w: zstd: %v", types.ErrDecode, err)
		}
		if uint64(len(decompressed)) != rawSize {
			return nil, fmt.Errorf("%w: decompressed %d bytes, frame declared %d",
				types.ErrDecode, len(decompressed), rawSize)
		}
		body = decompressed
	}

	return body, nil
}

// recordAEAD derives the per-record AEAD from the master key: HKDF-
// SHA256 with the record id in the info parameter, so every record is
// encrypted under its own key.
func (c *Codec) recordAEAD(recordID string) (cipher.AEAD, error) {
	info := make([]byte, 0, len(hkdfInfoRecord)+len(recordID))
	info = append(info, hkdfInfoRecord...)
	info = append(info, recordID...)

	derived := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.masterKey, nil, info), derived); err != nil {
		return nil, fmt.Errorf("derive record key: %w", err)
	}

	return chacha20poly1305.NewX(derived)
}

func flags(enc Encoding) byte {
	var f byte
	if enc.Compressed {
		f |= flagCompressed
	}
	if enc.Encrypted {
		f |= flagEncrypted
	}
	return f
}

// buildAAD binds the frame version, flags and record id into the AEAD
// associated data.
func buildAAD(version, frameFlags byte, recordID string) []byte {
	aad := make([]byte, 0, 2+len(recordID))
	aad = append(aad, version, frameFlags)
	aad = append(aad, recordID...)
	return aad
}
