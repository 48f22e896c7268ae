package chronos

import (
	"bytes"
	"reflect"
	"testing"
)

func TestCodecRoundtrip(t *testing.T) {
	codec := newPayloadCodec(true, nil)
	payload := map[string]any{
		"title": "hello",
		"n":     float64(42),
		"tags":  []any{"a", "b"},
	}

	blob, err := codec.encode(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.HasPrefix(blob, []byte(codecMagic)) {
		t.Fatalf("missing envelope magic: %x", blob[:8])
	}
	if blob[len(codecMagic)]&codecFlagSnappy == 0 {
		t.Fatal("expected snappy flag set")
	}

	got, err := codec.decode(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, payload) {
		t.Fatalf("roundtrip mismatch:\n got %#v\nwant %#v", got, payload)
	}
}

func TestCodecUncompressed(t *testing.T) {
	codec := newPayloadCodec(false, nil)
	blob, err := codec.encode(map[string]any{"k": "v"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if blob[len(codecMagic)]&codecFlagSnappy != 0 {
		t.Fatal("snappy flag set on uncompressed blob")
	}
	if _, err := codec.decode(blob); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestCodecEncrypted(t *testing.T) {
	enc, err := newPayloadEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "correct horse"})
	if err != nil {
		t.Fatalf("newPayloadEncryptor: %v", err)
	}
	codec := newPayloadCodec(true, enc)
	payload := map[string]any{"secret": "value"}

	blob, err := codec.encode(payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if blob[len(codecMagic)]&codecFlagEncrypted == 0 {
		t.Fatal("expected encrypted flag set")
	}
	if bytes.Contains(blob, []byte("value")) {
		t.Fatal("plaintext leaked into encrypted blob")
	}

	got, err := codec.decode(blob)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(got, payload) {
		t.Fatalf("roundtrip mismatch: %#v", got)
	}

	// A codec without the key cannot read the blob.
	plain := newPayloadCodec(true, nil)
	if _, err := plain.decode(blob); err == nil {
		t.Fatal("expected decode failure without encryption configured")
	}

	// A codec with the wrong password cannot read it either.
	wrong, err := newPayloadEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "wrong"})
	if err != nil {
		t.Fatalf("newPayloadEncryptor: %v", err)
	}
	if _, err := newPayloadCodec(true, wrong).decode(blob); err == nil {
		t.Fatal("expected decode failure with wrong key")
	}
}

func TestEncryptorDisabled(t *testing.T) {
	enc, err := newPayloadEncryptor(EncryptionConfig{})
	if err != nil {
		t.Fatalf("newPayloadEncryptor: %v", err)
	}
	if enc != nil {
		t.Fatal("expected nil encryptor when disabled")
	}
}

func TestEncryptorDeterministicKeyDerivation(t *testing.T) {
	a, err := newPayloadEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "pw"})
	if err != nil {
		t.Fatalf("newPayloadEncryptor a: %v", err)
	}
	b, err := newPayloadEncryptor(EncryptionConfig{Enabled: true, KeyPassword: "pw"})
	if err != nil {
		t.Fatalf("newPayloadEncryptor b: %v", err)
	}

	sealed, err := a.seal([]byte("payload"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	opened, err := b.open(sealed)
	if err != nil {
		t.Fatalf("open with independently derived key: %v", err)
	}
	if string(opened) != "payload" {
		t.Fatalf("roundtrip mismatch: %q", opened)
	}
}

func TestCodecRejectsMalformedEnvelope(t *testing.T) {
	codec := newPayloadCodec(true, nil)
	for _, blob := range [][]byte{
		nil,
		[]byte("xx"),
		[]byte("nope01"),
		[]byte("cdb1"),
	} {
		if _, err := codec.decode(blob); err == nil {
			t.Fatalf("expected error for %q", blob)
		}
	}
}
