package crypto

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHybridExchangeDerivesIdenticalSecrets(t *testing.T) {
	kp, err := GenerateHybridKeyPair()
	require.NoError(t, err)

	pub, err := ParseHybridPublicKey(kp.PublicKeyBytes())
	require.NoError(t, err)

	ct, sharedResponder, err := Encapsulate(pub)
	require.NoError(t, err)
	require.Len(t, ct, HybridCiphertextSize)
	require.Len(t, sharedResponder, 64)

	sharedInitiator, err := Decapsulate(kp, ct)
	require.NoError(t, err)

	assert.Equal(t, sharedResponder, sharedInitiator, "both sides must hold the same concatenated secret")
}

func TestSessionKeysMirrorAcrossRoles(t *testing.T) {
	kp, err := GenerateHybridKeyPair()
	require.NoError(t, err)
	pub, err := ParseHybridPublicKey(kp.PublicKeyBytes())
	require.NoError(t, err)

	ct, sharedB, err := Encapsulate(pub)
	require.NoError(t, err)
	sharedA, err := Decapsulate(kp, ct)
	require.NoError(t, err)

	initiator, err := DeriveSessionKeys(sharedA, RoleInitiator)
	require.NoError(t, err)
	responder, err := DeriveSessionKeys(sharedB, RoleResponder)
	require.NoError(t, err)

	assert.Equal(t, initiator.SendKey, responder.RecvKey)
	assert.Equal(t, initiator.RecvKey, responder.SendKey)
	assert.Equal(t, initiator.NonceSeed, responder.NonceSeed)
	assert.NotEqual(t, initiator.SendKey, initiator.RecvKey, "directional keys must differ")
}

func TestParseHybridPublicKeyRejectsGarbage(t *testing.T) {
	_, err := ParseHybridPublicKey([]byte("short"))
	assert.ErrorIs(t, err, ErrInvalidKeyMaterial)

	kp, err := GenerateHybridKeyPair()
	require.NoError(t, err)
	_, err = Decapsulate(kp, make([]byte, 10))
	assert.ErrorIs(t, err, ErrInvalidKeyMaterial)
}

func TestSealOpenRoundTrip(t *testing.T) {
	keys := testSessionKeys(t, RoleInitiator)
	nc := NewNonceCounter(keys.NonceSeed, RoleInitiator)
	plaintext := []byte("chunk payload bytes")

	ct, nonce, err := SealChunk(&keys.SendKey, nc, plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ct)

	got, err := OpenChunk(&keys.SendKey, nonce[:], ct)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOpenWithWrongKeyOrNonceFails(t *testing.T) {
	keys := testSessionKeys(t, RoleInitiator)
	nc := NewNonceCounter(keys.NonceSeed, RoleInitiator)

	ct, nonce, err := SealChunk(&keys.SendKey, nc, []byte("payload"))
	require.NoError(t, err)

	_, err = OpenChunk(&keys.RecvKey, nonce[:], ct)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	badNonce := make([]byte, NonceSize)
	copy(badNonce, nonce[:])
	badNonce[0] ^= 1
	_, err = OpenChunk(&keys.SendKey, badNonce, ct)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)

	ct[0] ^= 1
	_, err = OpenChunk(&keys.SendKey, nonce[:], ct)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestNonceCounterMonotonic(t *testing.T) {
	var seed [32]byte
	copy(seed[:], bytes.Repeat([]byte{7}, 32))
	nc := NewNonceCounter(seed, RoleInitiator)

	n1, err := nc.Next()
	require.NoError(t, err)
	n2, err := nc.Next()
	require.NoError(t, err)

	assert.NotEqual(t, n1, n2)
	assert.Equal(t, uint64(2), nc.Counter())
}

func TestNonceDirectionBit(t *testing.T) {
	var seed [32]byte
	send := NewNonceCounter(seed, RoleInitiator)
	recv := NewNonceCounter(seed, RoleResponder)

	a, err := send.Next()
	require.NoError(t, err)
	b, err := recv.Next()
	require.NoError(t, err)

	assert.Equal(t, a[:8], b[:8], "counters align")
	assert.NotEqual(t, a[8], b[8], "direction bit must differ")
}

func TestNonceSetCounterNeverRegresses(t *testing.T) {
	var seed [32]byte
	nc := NewNonceCounter(seed, RoleInitiator)
	nc.SetCounter(100)
	nc.SetCounter(50)
	assert.Equal(t, uint64(100), nc.Counter())
}

func TestRotationProducesFreshKeysAndKeepsGrace(t *testing.T) {
	shared := make([]byte, 64)
	copy(shared, bytes.Repeat([]byte{3}, 64))
	rs, err := NewRotationState(shared, RoleInitiator, DefaultRotationConfig())
	require.NoError(t, err)

	oldRecv := rs.Keys().RecvKey
	require.Equal(t, uint32(0), rs.Generation())

	gen, err := rs.Rotate()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), gen)
	assert.NotEqual(t, oldRecv, rs.Keys().RecvKey)
	assert.Equal(t, uint64(0), rs.SendCounter().Counter(), "counter resets on rotation")

	// Old generation still decryptable within the grace window.
	key, err := rs.RecvKeyFor(0)
	require.NoError(t, err)
	assert.Equal(t, oldRecv, *key)

	// And gone once the window elapses.
	now := time.Now()
	rs.setTimeProvider(func() time.Time { return now.Add(time.Minute) })
	_, err = rs.RecvKeyFor(0)
	assert.ErrorIs(t, err, ErrUnknownGeneration)
}

func TestRotationChainsDeterministically(t *testing.T) {
	shared := bytes.Repeat([]byte{9}, 64)

	a, err := NewRotationState(append([]byte(nil), shared...), RoleInitiator, DefaultRotationConfig())
	require.NoError(t, err)
	b, err := NewRotationState(append([]byte(nil), shared...), RoleResponder, DefaultRotationConfig())
	require.NoError(t, err)

	_, err = a.Rotate()
	require.NoError(t, err)
	_, err = b.Rotate()
	require.NoError(t, err)

	assert.Equal(t, a.Keys().SendKey, b.Keys().RecvKey, "rotated generations stay mirrored")
}

func TestRotationTriggers(t *testing.T) {
	shared := bytes.Repeat([]byte{1}, 64)
	cfg := DefaultRotationConfig()
	cfg.MaxBytes = 1000
	rs, err := NewRotationState(shared, RoleInitiator, cfg)
	require.NoError(t, err)

	assert.False(t, rs.ShouldRotate())
	rs.RecordBytes(1500)
	assert.True(t, rs.ShouldRotate(), "byte trigger")

	_, err = rs.Rotate()
	require.NoError(t, err)
	assert.False(t, rs.ShouldRotate())

	now := time.Now()
	rs.setTimeProvider(func() time.Time { return now.Add(cfg.Interval + time.Second) })
	assert.True(t, rs.ShouldRotate(), "time trigger")
}

func TestHashChunkAndReader(t *testing.T) {
	data := []byte(strings.Repeat("flit", 1000))
	h1 := HashChunk(data)
	h2, err := HashReader(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.True(t, HashEqual(h1[:], h2[:]))
	assert.False(t, HashEqual(h1[:], make([]byte, HashSize)))
	assert.False(t, HashEqual(h1[:16], h2[:16]))
}

func testSessionKeys(t *testing.T, role Role) *SessionKeys {
	t.Helper()
	shared := bytes.Repeat([]byte{0x42}, 64)
	keys, err := DeriveSessionKeys(shared, role)
	require.NoError(t, err)
	return keys
}
