package web

import (
	"crypto/ecdsa"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// maxDeadlineWindow bounds how far ahead a request may be signed. Nonces live in memory,
// so after a restart a captured request can only be replayed inside this window.
const maxDeadlineWindow = time.Hour

var (
	ErrBadSignature   = errors.New("bad signature")
	ErrSignerMismatch = errors.New("signer does not match account")
	ErrNonceUsed      = errors.New("nonce already used")
	ErrExpired        = errors.New("request deadline passed")
	ErrDeadlineTooFar = errors.New("request deadline too far in the future")
)

// SignedMessage is the text a client signs with personal_sign:
//
//	custody:<op>:<subject>:<value>:<nonce>:<deadline>
//
// For deposit, withdraw and swap the subject is the asset and the value the native amount.
type SignedMessage struct {
	Op       string
	Subject  string
	Value    string
	Nonce    uint64
	Deadline int64
}

// Text renders the message.
func (m SignedMessage) Text() string {
	return strings.Join([]string{
		"custody",
		m.Op,
		m.Subject,
		m.Value,
		strconv.FormatUint(m.Nonce, 10),
		strconv.FormatInt(m.Deadline, 10),
	}, ":")
}

// Verifier recovers request signers and rejects replays. Nonces must strictly increase per signer.
type Verifier struct {
	mu     sync.Mutex
	nonces map[common.Address]uint64
	now    func() time.Time
}

// NewVerifier returns a verifier with no nonces seen.
func NewVerifier() *Verifier {
	return &Verifier{
		nonces: make(map[common.Address]uint64),
		now:    time.Now,
	}
}

// Verify checks the deadline and signature of msg and consumes its nonce. When claimed is set the
// recovered signer must equal it.
func (v *Verifier) Verify(msg SignedMessage, signature string, claimed *common.Address) (common.Address, error) {
	now := v.now().Unix()
	if msg.Deadline < now {
		return common.Address{}, errors.Wrapf(ErrExpired, "deadline %d, now %d", msg.Deadline, now)
	}
	if msg.Deadline > now+int64(maxDeadlineWindow/time.Second) {
		return common.Address{}, errors.Wrapf(ErrDeadlineTooFar, "deadline %d, max %s ahead", msg.Deadline, maxDeadlineWindow)
	}

	signer, err := RecoverSigner(msg.Text(), signature)
	if err != nil {
		return common.Address{}, err
	}
	if claimed != nil && signer != *claimed {
		return common.Address{}, errors.Wrapf(ErrSignerMismatch, "signed by %s, account %s", signer.Hex(), claimed.Hex())
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if last, seen := v.nonces[signer]; seen && msg.Nonce <= last {
		return common.Address{}, errors.Wrapf(ErrNonceUsed, "nonce %d, last %d", msg.Nonce, last)
	}
	v.nonces[signer] = msg.Nonce

	return signer, nil
}

// RecoverSigner returns the address that produced an EIP-191 personal signature over text.
func RecoverSigner(text, signature string) (common.Address, error) {
	sig, err := hexutil.Decode(signature)
	if err != nil {
		return common.Address{}, errors.Wrap(ErrBadSignature, err.Error())
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, errors.Wrapf(ErrBadSignature, "length %d", len(sig))
	}
	// wallets produce v as 27/28
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash([]byte(text)), sig)
	if err != nil {
		return common.Address{}, errors.Wrap(ErrBadSignature, err.Error())
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces the signature a wallet would for msg.
func Sign(msg SignedMessage, key *ecdsa.PrivateKey) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash([]byte(msg.Text())), key)
	if err != nil {
		return "", fmt.Errorf("sign request: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}
