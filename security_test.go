package msgpipe

import (
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func TestSecurity001_authorizer_round_trip(t *testing.T) {

	cv.Convey("a keyed authorizer verifies under the shared key, and its reply proves the peer opened it", t, func() {

		psk := []byte("swordfish")
		a, err := newKeyedAuthorizer(psk)
		panicOn(err)
		cv.So(a.Protocol, cv.ShouldEqual, AuthFlavorKeyed)

		valid, reply, key := verifyKeyedAuthorizer(psk, a.Blob)
		cv.So(valid, cv.ShouldBeTrue)
		cv.So(key, cv.ShouldResemble, a.SessionKey)
		cv.So(a.VerifyReply(reply), cv.ShouldBeTrue)

		// wrong pre-shared key: refused.
		valid, _, _ = verifyKeyedAuthorizer([]byte("not-swordfish"), a.Blob)
		cv.So(valid, cv.ShouldBeFalse)

		// bit-flipped blob: refused.
		bad := append([]byte{}, a.Blob...)
		bad[len(bad)-1] ^= 1
		valid, _, _ = verifyKeyedAuthorizer(psk, bad)
		cv.So(valid, cv.ShouldBeFalse)

		// garbage reply: refused.
		cv.So(a.VerifyReply([]byte("nonsense")), cv.ShouldBeFalse)
	})
}

func TestSecurity002_message_signatures(t *testing.T) {

	cv.Convey("session security signs the header+crcs and catches tampering", t, func() {

		key := cryptoRandBytes(sessionKeyLen)
		s := newSessionSecurity(AuthFlavorKeyed, key, FeaturesAll)
		cv.So(s, cv.ShouldNotBeNil)

		hdr := []byte("some header bytes")
		ftr := Footer{FrontCrc: 1, MiddleCrc: 2, DataCrc: 3, Flags: footerComplete}
		s.signMessage(hdr, &ftr)
		cv.So(ftr.Sig, cv.ShouldNotEqual, 0)
		cv.So(s.checkSignature(hdr, &ftr), cv.ShouldBeNil)

		ftr.DataCrc++
		cv.So(s.checkSignature(hdr, &ftr), cv.ShouldNotBeNil)
		ftr.DataCrc--
		cv.So(s.checkSignature(hdr, &ftr), cv.ShouldBeNil)

		// signatures need the keyed flavor AND the MsgAuth bit.
		cv.So(newSessionSecurity(AuthFlavorNone, key, FeaturesAll), cv.ShouldBeNil)
		cv.So(newSessionSecurity(AuthFlavorKeyed, key, FeatureNoSrcAddr), cv.ShouldBeNil)
		cv.So(newSessionSecurity(AuthFlavorKeyed, nil, FeaturesAll), cv.ShouldBeNil)

		// a nil handler no-ops.
		var nilSec *sessionSecurity
		nilSec.signMessage(hdr, &ftr)
		cv.So(nilSec.checkSignature(hdr, &ftr), cv.ShouldBeNil)
	})
}
