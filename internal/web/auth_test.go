package web

import (
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignedMessage_Text(t *testing.T) {
	msg := SignedMessage{Op: "deposit", Subject: "USDC", Value: "1000000", Nonce: 7, Deadline: 1717243200}
	assert.Equal(t, "custody:deposit:USDC:1000000:7:1717243200", msg.Text())
}

func TestRecoverSigner(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	want := crypto.PubkeyToAddress(key.PublicKey)

	msg := SignedMessage{Op: "withdraw", Subject: "WETH", Value: "5", Nonce: 1, Deadline: 100}
	sig, err := Sign(msg, key)
	require.NoError(t, err)

	got, err := RecoverSigner(msg.Text(), sig)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	t.Run("raw recovery id", func(t *testing.T) {
		raw, err := hexutil.Decode(sig)
		require.NoError(t, err)
		raw[crypto.RecoveryIDOffset] -= 27

		got, err := RecoverSigner(msg.Text(), hexutil.Encode(raw))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	})

	t.Run("other text recovers another address", func(t *testing.T) {
		got, err := RecoverSigner(strings.Replace(msg.Text(), ":5:", ":6:", 1), sig)
		require.NoError(t, err)
		assert.NotEqual(t, want, got)
	})

	t.Run("malformed", func(t *testing.T) {
		for _, bad := range []string{"", "0x", "zz", "0x1234"} {
			_, err := RecoverSigner(msg.Text(), bad)
			assert.ErrorIs(t, err, ErrBadSignature, bad)
		}
	})
}

func TestVerifier(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	stranger := crypto.PubkeyToAddress(other.PublicKey)

	clock := time.Unix(1_700_000_000, 0)
	v := NewVerifier()
	v.now = func() time.Time { return clock }

	sign := func(nonce uint64, deadline int64) (SignedMessage, string) {
		msg := SignedMessage{Op: "deposit", Subject: "USDC", Value: "1", Nonce: nonce, Deadline: deadline}
		sig, err := Sign(msg, key)
		require.NoError(t, err)
		return msg, sig
	}

	msg, sig := sign(1, clock.Unix()+60)
	got, err := v.Verify(msg, sig, &signer)
	require.NoError(t, err)
	assert.Equal(t, signer, got)

	_, err = v.Verify(msg, sig, &signer)
	assert.ErrorIs(t, err, ErrNonceUsed)

	msg, sig = sign(0, clock.Unix()+60)
	_, err = v.Verify(msg, sig, nil)
	assert.ErrorIs(t, err, ErrNonceUsed)

	msg, sig = sign(5, clock.Unix()+60)
	_, err = v.Verify(msg, sig, &stranger)
	assert.ErrorIs(t, err, ErrSignerMismatch)

	msg, sig = sign(5, clock.Unix()-1)
	_, err = v.Verify(msg, sig, &signer)
	assert.ErrorIs(t, err, ErrExpired)

	msg, sig = sign(5, clock.Add(2*maxDeadlineWindow).Unix())
	_, err = v.Verify(msg, sig, &signer)
	assert.ErrorIs(t, err, ErrDeadlineTooFar)

	// rejected attempts do not consume the nonce
	msg, sig = sign(5, clock.Unix())
	_, err = v.Verify(msg, sig, &signer)
	assert.NoError(t, err)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		kind   string
		status int
	}{
		{errors.Wrap(ErrNonceUsed, "nonce 1"), "nonce_used", 401},
		{errors.Wrap(errBadRequest, "bad json"), "bad_request", 400},
		{errors.New("boom"), "internal", 500},
	}
	for _, tt := range tests {
		kind, status := classify(tt.err)
		assert.Equal(t, tt.kind, kind, tt.err.Error())
		assert.Equal(t, tt.status, status, tt.err.Error())
	}
}
