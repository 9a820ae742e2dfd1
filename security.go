package msgpipe

// security.go: the keyed authorizer exchanged during the
// handshake, and the per-session message signing that
// FeatureMsgAuth turns on.
//
// The authorizer blob is a fresh session key sealed with
// XChaCha20-Poly1305 under the pre-shared key; the
// verifier opens it, answers with a proof sealed under
// the session key itself, and both sides then hold the
// key that drives the keyed-blake3 footer signatures.

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"github.com/glycerine/blake3"
	"golang.org/x/crypto/chacha20poly1305"
)

var authMagic = []byte("msgpipe.auth.ok!")
var authReplyMagic = []byte("msgpipe.auth.rpl")

const sessionKeyLen = 32

// pskAEAD derives the 32-byte cipher key from whatever
// length pre-shared secret the operator configured.
func pskAEAD(psk []byte) (aead cipher.AEAD, err error) {
	if len(psk) == 0 {
		return nil, fmt.Errorf("pskAEAD: empty pre-shared key")
	}
	key := blake3.Sum256(psk)
	return chacha20poly1305.NewX(key[:])
}

// Authorizer is the credential the connecting side
// presents: an opaque blob plus the session key it will
// use if the peer accepts.
type Authorizer struct {
	Protocol   uint32
	Blob       []byte
	SessionKey []byte
}

// newKeyedAuthorizer seals a fresh session key under the
// pre-shared key. Called again with force refresh after a
// BADAUTHORIZER to rule out a stale cached credential.
func newKeyedAuthorizer(psk []byte) (a *Authorizer, err error) {
	aead, err := pskAEAD(psk)
	if err != nil {
		return
	}
	key := cryptoRandBytes(sessionKeyLen)
	nonce := cryptoRandBytes(aead.NonceSize())
	plain := append(append([]byte{}, authMagic...), key...)
	blob := append(nonce, aead.Seal(nil, nonce, plain, nil)...)
	a = &Authorizer{
		Protocol:   AuthFlavorKeyed,
		Blob:       blob,
		SessionKey: key,
	}
	return
}

// verifyKeyedAuthorizer checks blob against the
// pre-shared key. On success it returns the session key
// and a reply blob proving we could read the credential.
func verifyKeyedAuthorizer(psk, blob []byte) (valid bool, reply []byte, sessionKey []byte) {
	aead, err := pskAEAD(psk)
	if err != nil {
		return
	}
	ns := aead.NonceSize()
	if len(blob) < ns {
		return
	}
	plain, err := aead.Open(nil, blob[:ns], blob[ns:], nil)
	if err != nil {
		return
	}
	if len(plain) != len(authMagic)+sessionKeyLen ||
		string(plain[:len(authMagic)]) != string(authMagic) {
		return
	}
	sessionKey = plain[len(authMagic):]

	// answer under the session key so the connecting side
	// knows we really opened it.
	rkey := [sessionKeyLen]byte{}
	copy(rkey[:], sessionKey)
	raead, err := chacha20poly1305.NewX(rkey[:])
	if err != nil {
		return
	}
	nonce := cryptoRandBytes(raead.NonceSize())
	reply = append(nonce, raead.Seal(nil, nonce, authReplyMagic, nil)...)
	valid = true
	return
}

// VerifyReply checks the accepting side's proof.
func (a *Authorizer) VerifyReply(reply []byte) bool {
	if a == nil || len(a.SessionKey) != sessionKeyLen {
		return false
	}
	aead, err := chacha20poly1305.NewX(a.SessionKey)
	if err != nil {
		return false
	}
	ns := aead.NonceSize()
	if len(reply) < ns {
		return false
	}
	plain, err := aead.Open(nil, reply[:ns], reply[ns:], nil)
	if err != nil {
		return false
	}
	return string(plain) == string(authReplyMagic)
}

// sessionSecurity signs outbound and verifies inbound
// message footers. nil means no signing on this session.
type sessionSecurity struct {
	key [sessionKeyLen]byte
}

// newSessionSecurity returns nil unless the keyed flavor
// was negotiated and both sides agreed on FeatureMsgAuth.
func newSessionSecurity(protocol uint32, sessionKey []byte, features uint64) *sessionSecurity {
	if protocol != AuthFlavorKeyed || len(sessionKey) != sessionKeyLen {
		return nil
	}
	if features&FeatureMsgAuth == 0 {
		return nil
	}
	s := &sessionSecurity{}
	copy(s.key[:], sessionKey)
	return s
}

// sigOver computes the 64-bit truncation of a keyed
// blake3 over the raw header bytes and the three section
// crcs, which is everything the signature protects.
func (s *sessionSecurity) sigOver(hdrBytes []byte, ftr *Footer) uint64 {
	h := blake3.New(32, s.key[:])
	h.Write(hdrBytes)
	var crcs [12]byte
	binary.LittleEndian.PutUint32(crcs[0:4], ftr.FrontCrc)
	binary.LittleEndian.PutUint32(crcs[4:8], ftr.MiddleCrc)
	binary.LittleEndian.PutUint32(crcs[8:12], ftr.DataCrc)
	h.Write(crcs[:])
	sum := h.Sum(nil)
	return binary.LittleEndian.Uint64(sum[:8])
}

// signMessage fills ftr.Sig.
func (s *sessionSecurity) signMessage(hdrBytes []byte, ftr *Footer) {
	if s == nil {
		return
	}
	ftr.Sig = s.sigOver(hdrBytes, ftr)
}

// checkSignature verifies ftr.Sig.
func (s *sessionSecurity) checkSignature(hdrBytes []byte, ftr *Footer) (err error) {
	if s == nil {
		return nil
	}
	want := s.sigOver(hdrBytes, ftr)
	if want != ftr.Sig {
		return fmt.Errorf("signature check failed: %x != %x", want, ftr.Sig)
	}
	return nil
}
