package msgpipe

import (
	cryrand "crypto/rand"
	"encoding/binary"
	"sync"

	cristalbase64 "github.com/cristalhq/base64"
	mathrand2 "math/rand/v2"
)

var chacha8randMut sync.Mutex
var chacha8rand *mathrand2.ChaCha8 = newCryrandSeededChaCha8()

func newCryrandSeededChaCha8() *mathrand2.ChaCha8 {
	var seed [32]byte
	_, err := cryrand.Read(seed[:])
	panicOn(err)
	return mathrand2.NewChaCha8(seed)
}

// pseudoRandN returns a pseudo random int in [0, n).
// Cheap enough to roll on every I/O call for the
// socket failure injection.
func pseudoRandN(n int) int {
	chacha8randMut.Lock()
	r := int(chacha8rand.Uint64() % uint64(n))
	chacha8randMut.Unlock()
	return r
}

func cryRandBytesBase64(numBytes int) string {
	by := make([]byte, numBytes)
	_, err := cryrand.Read(by)
	panicOn(err)
	return cristalbase64.URLEncoding.EncodeToString(by)
}

func cryptoRandBytes(n int) []byte {
	b := make([]byte, n)
	_, err := cryrand.Read(b)
	if err != nil {
		panic(err)
	}
	return b
}

func cryptoRandUint64() (r uint64) {
	b := make([]byte, 8)
	_, err := cryrand.Read(b)
	if err != nil {
		panic(err)
	}
	r = binary.LittleEndian.Uint64(b)
	return
}

func cryptoRandUint32() (r uint32) {
	b := make([]byte, 4)
	_, err := cryrand.Read(b)
	if err != nil {
		panic(err)
	}
	r = binary.LittleEndian.Uint32(b)
	return
}
