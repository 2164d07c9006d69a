package keystone

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"RoundTrip", testEnvelopeRoundTrip},
		{"RoundTripChaCha", testEnvelopeRoundTripChaCha},
		{"EnvelopeSelfDescribing", testEnvelopeSelfDescribing},
		{"SurvivesJSONTransport", testEnvelopeSurvivesJSONTransport},
		{"AutoProvision", testEncryptAutoProvision},
		{"NoActiveKeyWithoutAutoProvision", testEncryptNoActiveKey},
		{"EmptyPlaintext", testEncryptEmptyPlaintext},
		{"PlaintextTooLarge", testEncryptPlaintextTooLarge},
		{"LargePayload", testEncryptLargePayload},
		{"TamperedCiphertext", testDecryptTamperedCiphertext},
		{"TamperedIV", testDecryptTamperedIV},
		{"TamperedAuthTag", testDecryptTamperedAuthTag},
		{"UnknownKey", testDecryptUnknownKey},
		{"NilEnvelope", testDecryptNilEnvelope},
		{"SensitivePurposeAudited", testDecryptSensitivePurposeAudited},
		{"GeneralPurposeNotAudited", testDecryptGeneralPurposeNotAudited},
		{"RelabeledMetadataStillAudited", testDecryptRelabeledMetadataStillAudited},
	}
	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func testEnvelopeRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	plaintext := []byte("the fiscal year closes on a friday")

	envelope, err := svc.Encrypt(plaintext, "acme", PurposeGeneral, "note")
	require.NoError(t, err)

	recovered, err := svc.Decrypt(envelope)
	require.NoError(t, err)
	require.Equal(t, plaintext, recovered)
}

func testEnvelopeRoundTripChaCha(t *testing.T) {
	svc, _ := newTestService(t, func(o *Options) {
		o.DefaultAlgorithm = AlgorithmChaCha20Poly1305
	})
	plaintext := []byte("stream cipher payload")

	envelope, err := svc.Encrypt(plaintext, "acme", PurposeGeneral, "")
	require.NoError(t, err)
	require.Equal(t, AlgorithmChaCha20Poly1305, envelope.Algorithm)

	recovered, err := svc.Decrypt(envelope)
	require.NoError(t, err)
	require.Equal(t, plaintext, recovered)
}

func testEnvelopeSelfDescribing(t *testing.T) {
	svc, _ := newTestService(t)
	envelope, err := svc.Encrypt([]byte("payload"), "acme", PurposeFinancial, "invoice")
	require.NoError(t, err)

	require.NotEmpty(t, envelope.KeyID)
	require.Equal(t, 1, envelope.KeyVersion)
	require.Equal(t, AlgorithmAESGCM, envelope.Algorithm)
	require.Equal(t, "acme", envelope.Metadata.OrganizationID)
	require.Equal(t, PurposeFinancial, envelope.Metadata.Purpose)
	require.Equal(t, "invoice", envelope.Metadata.DataType)
	require.False(t, envelope.Metadata.EncryptedAt.IsZero())

	iv, err := base64.StdEncoding.DecodeString(envelope.IV)
	require.NoError(t, err)
	require.Len(t, iv, 12)

	tag, err := base64.StdEncoding.DecodeString(envelope.AuthTag)
	require.NoError(t, err)
	require.Len(t, tag, 16)

	// Detached tag: the ciphertext holds only the encrypted payload
	ciphertext, err := base64.StdEncoding.DecodeString(envelope.Ciphertext)
	require.NoError(t, err)
	require.Len(t, ciphertext, len("payload"))
	require.NotEqual(t, []byte("payload"), ciphertext)
}

func testEnvelopeSurvivesJSONTransport(t *testing.T) {
	svc, _ := newTestService(t)
	plaintext := []byte(`{"amount": "42.00", "currency": "USD"}`)

	envelope, err := svc.Encrypt(plaintext, "acme", PurposeFinancial, "payment")
	require.NoError(t, err)

	// Store-and-load through a text medium, the envelope's primary job
	serialized, err := json.Marshal(envelope)
	require.NoError(t, err)

	var restored EncryptedEnvelope
	require.NoError(t, json.Unmarshal(serialized, &restored))

	recovered, err := svc.Decrypt(&restored)
	require.NoError(t, err)
	require.Equal(t, plaintext, recovered)
}

func testEncryptAutoProvision(t *testing.T) {
	svc, logger := newTestService(t)

	// No key exists yet for the pair; the first encrypt provisions one
	envelope, err := svc.Encrypt([]byte("first contact"), "acme", PurposePII, "")
	require.NoError(t, err)
	require.Equal(t, 1, logger.count("encryption_key_generated"))

	// The provisioned key is reused, not regenerated
	again, err := svc.Encrypt([]byte("second contact"), "acme", PurposePII, "")
	require.NoError(t, err)
	require.Equal(t, envelope.KeyID, again.KeyID)
	require.Equal(t, 1, logger.count("encryption_key_generated"))
}

func testEncryptNoActiveKey(t *testing.T) {
	svc, _ := newTestService(t, func(o *Options) {
		o.AutoProvision = false
	})
	_, err := svc.Encrypt([]byte("payload"), "acme", PurposeGeneral, "")
	require.ErrorIs(t, err, ErrNoActiveKey)
}

func testEncryptEmptyPlaintext(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Encrypt(nil, "acme", PurposeGeneral, "")
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Encrypt([]byte{}, "acme", PurposeGeneral, "")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func testEncryptPlaintextTooLarge(t *testing.T) {
	svc, _ := newTestService(t, func(o *Options) {
		o.MaxPlaintextSize = 64
	})
	_, err := svc.Encrypt(make([]byte, 65), "acme", PurposeGeneral, "")
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Encrypt(make([]byte, 64), "acme", PurposeGeneral, "")
	require.NoError(t, err)
}

func testEncryptLargePayload(t *testing.T) {
	svc, _ := newTestService(t)
	plaintext := make([]byte, 1<<20)
	_, err := rand.Read(plaintext)
	require.NoError(t, err)

	envelope, err := svc.Encrypt(plaintext, "acme", PurposeGeneral, "blob")
	require.NoError(t, err)

	recovered, err := svc.Decrypt(envelope)
	require.NoError(t, err)
	require.True(t, bytes.Equal(plaintext, recovered))
}

// flipBit corrupts one bit inside a base64 field and re-encodes it.
func flipBit(t *testing.T, encoded string) string {
	t.Helper()
	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	raw[len(raw)/2] ^= 0x01
	return base64.StdEncoding.EncodeToString(raw)
}

func testDecryptTamperedCiphertext(t *testing.T) {
	svc, _ := newTestService(t)
	envelope, err := svc.Encrypt([]byte("integrity matters"), "acme", PurposeGeneral, "")
	require.NoError(t, err)

	envelope.Ciphertext = flipBit(t, envelope.Ciphertext)
	_, err = svc.Decrypt(envelope)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func testDecryptTamperedIV(t *testing.T) {
	svc, _ := newTestService(t)
	envelope, err := svc.Encrypt([]byte("integrity matters"), "acme", PurposeGeneral, "")
	require.NoError(t, err)

	envelope.IV = flipBit(t, envelope.IV)
	_, err = svc.Decrypt(envelope)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func testDecryptTamperedAuthTag(t *testing.T) {
	svc, _ := newTestService(t)
	envelope, err := svc.Encrypt([]byte("integrity matters"), "acme", PurposeGeneral, "")
	require.NoError(t, err)

	envelope.AuthTag = flipBit(t, envelope.AuthTag)
	_, err = svc.Decrypt(envelope)
	require.ErrorIs(t, err, ErrDecryptionFailed)
}

func testDecryptUnknownKey(t *testing.T) {
	svc, _ := newTestService(t)
	envelope, err := svc.Encrypt([]byte("payload"), "acme", PurposeGeneral, "")
	require.NoError(t, err)

	envelope.KeyID = "kst-acme-gone"
	_, err = svc.Decrypt(envelope)
	require.ErrorIs(t, err, ErrKeyNotFound)
}

func testDecryptNilEnvelope(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Decrypt(nil)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.Decrypt(&EncryptedEnvelope{})
	require.ErrorIs(t, err, ErrInvalidInput)
}

func testDecryptSensitivePurposeAudited(t *testing.T) {
	svc, logger := newTestService(t)
	envelope, err := svc.Encrypt([]byte("ssn 000-00-0000"), "acme", PurposePII, "record")
	require.NoError(t, err)

	_, err = svc.Decrypt(envelope)
	require.NoError(t, err)
	require.Equal(t, 1, logger.count("data_decrypted"))
}

// The envelope metadata block is outside the authentication tag, so a
// holder can rewrite it freely. The compliance trail must follow the
// stored key's purpose, not the envelope's claim.
func testDecryptRelabeledMetadataStillAudited(t *testing.T) {
	svc, logger := newTestService(t)
	envelope, err := svc.Encrypt([]byte("ssn 000-00-0000"), "acme", PurposePII, "record")
	require.NoError(t, err)

	envelope.Metadata.Purpose = PurposeGeneral
	envelope.Metadata.OrganizationID = "someone-else"

	plaintext, err := svc.Decrypt(envelope)
	require.NoError(t, err)
	require.Equal(t, []byte("ssn 000-00-0000"), plaintext)
	require.Equal(t, 1, logger.count("data_decrypted"))
}

func testDecryptGeneralPurposeNotAudited(t *testing.T) {
	svc, logger := newTestService(t)
	envelope, err := svc.Encrypt([]byte("cache entry"), "acme", PurposeGeneral, "")
	require.NoError(t, err)

	_, err = svc.Decrypt(envelope)
	require.NoError(t, err)
	require.Equal(t, 0, logger.count("data_decrypted"))
}

func TestReencrypt(t *testing.T) {
	tests := []struct {
		name string
		test func(t *testing.T)
	}{
		{"MigratesToNewKey", testReencryptMigratesToNewKey},
		{"TargetMustBeUsable", testReencryptTargetMustBeUsable},
		{"TargetNotFound", testReencryptTargetNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, tt.test)
	}
}

func testReencryptMigratesToNewKey(t *testing.T) {
	svc, _ := newTestService(t)
	plaintext := []byte("moving day")

	envelope, err := svc.Encrypt(plaintext, "acme", PurposeGeneral, "")
	require.NoError(t, err)

	newKey, err := svc.Rotate("acme", PurposeGeneral)
	require.NoError(t, err)

	migrated, err := svc.Reencrypt(envelope, newKey.KeyID)
	require.NoError(t, err)
	require.Equal(t, newKey.KeyID, migrated.KeyID)
	require.Equal(t, newKey.KeyVersion, migrated.KeyVersion)

	recovered, err := svc.Decrypt(migrated)
	require.NoError(t, err)
	require.Equal(t, plaintext, recovered)
}

func testReencryptTargetMustBeUsable(t *testing.T) {
	svc, _ := newTestService(t)
	envelope, err := svc.Encrypt([]byte("payload"), "acme", PurposeGeneral, "")
	require.NoError(t, err)

	target, err := svc.Generate("acme", PurposePII, 0)
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(target.KeyID, "compromised"))

	_, err = svc.Reencrypt(envelope, target.KeyID)
	require.ErrorIs(t, err, ErrKeyUnavailable)
}

func testReencryptTargetNotFound(t *testing.T) {
	svc, _ := newTestService(t)
	envelope, err := svc.Encrypt([]byte("payload"), "acme", PurposeGeneral, "")
	require.NoError(t, err)

	_, err = svc.Reencrypt(envelope, "kst-acme-missing")
	require.ErrorIs(t, err, ErrKeyNotFound)
}
