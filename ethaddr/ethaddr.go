// Package ethaddr derives checksummed Ethereum addresses from the
// secp256k1 public key points reported by PKCS#11 tokens.
//
// All functions are pure: the same point always yields the same address.
package ethaddr

import (
	"crypto/rand"
	"encoding/binary"
	"regexp"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/cockroachdb/errors"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
	"golang.org/x/crypto/sha3"
)

// CurveName is the only supported named curve
const CurveName = "secp256k1"

// ECParams is DER encoded OID of secp256k1 (1.3.132.0.10),
// as expected in CKA_EC_PARAMS
var ECParams = []byte{0x06, 0x05, 0x2B, 0x81, 0x04, 0x00, 0x0A}

// UncompressedPointSize is the size of 0x04 || X || Y
const UncompressedPointSize = 65

// CreationIDSize is the size of the identifier shared by a generated key pair
const CreationIDSize = 16

var addressRegex = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// IsAddress returns true if s has the shape of an address: 0x followed by 40 hex chars
func IsAddress(s string) bool {
	return addressRegex.MatchString(s)
}

// UnwrapPoint removes DER OCTET STRING envelope from CKA_EC_POINT value.
// Some tokens return the raw point, in that case the value is returned as is.
func UnwrapPoint(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty EC point")
	}
	// a wrapped point is never 65 or 33 bytes long
	switch {
	case len(raw) == UncompressedPointSize && raw[0] == 0x04:
		return raw, nil
	case len(raw) == 33 && (raw[0] == 0x02 || raw[0] == 0x03):
		return raw, nil
	}

	var inner cryptobyte.String
	s := cryptobyte.String(raw)
	if s.ReadASN1(&inner, asn1.OCTET_STRING) && s.Empty() {
		return inner, nil
	}
	// some tokens use non-minimal long form of the length, like 04 81 41
	if inner, ok := readBEROctetString(raw); ok {
		return inner, nil
	}
	return nil, errors.New("invalid DER encoding of EC point")
}

// readBEROctetString reads primitive OCTET STRING with definite length,
// in short or long form
func readBEROctetString(raw []byte) ([]byte, bool) {
	var tag, lenByte uint8
	s := cryptobyte.String(raw)
	if !s.ReadUint8(&tag) || asn1.Tag(tag) != asn1.OCTET_STRING || !s.ReadUint8(&lenByte) {
		return nil, false
	}

	length := uint64(lenByte)
	if lenByte&0x80 != 0 {
		n := int(lenByte & 0x7f)
		// indefinite length is not allowed for primitive encoding
		if n == 0 || n > 4 {
			return nil, false
		}
		var lenBytes []byte
		if !s.ReadBytes(&lenBytes, n) {
			return nil, false
		}
		length = 0
		for _, b := range lenBytes {
			length = length<<8 | uint64(b)
		}
	}

	var inner []byte
	if uint64(len(s)) != length || !s.ReadBytes(&inner, int(length)) {
		return nil, false
	}
	return inner, true
}

// WrapPoint returns point wrapped in DER OCTET STRING, as stored in CKA_EC_POINT
func WrapPoint(point []byte) []byte {
	var b cryptobyte.Builder
	b.AddASN1OctetString(point)
	return b.BytesOrPanic()
}

// DecodePoint decodes CKA_EC_POINT attribute value, and returns
// the point in uncompressed 65 bytes form.
// The point must be on secp256k1 curve.
func DecodePoint(raw []byte) ([]byte, error) {
	inner, err := UnwrapPoint(raw)
	if err != nil {
		return nil, err
	}

	pub, err := btcec.ParsePubKey(inner)
	if err != nil {
		return nil, errors.WithMessagef(err, "point is not on %s", CurveName)
	}
	return pub.SerializeUncompressed(), nil
}

// DeriveAddress returns EIP-55 checksummed address for uncompressed point
func DeriveAddress(point []byte) (string, error) {
	if len(point) != UncompressedPointSize || point[0] != 0x04 {
		return "", errors.Errorf("expected uncompressed point of %d bytes, got %d", UncompressedPointSize, len(point))
	}

	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(point[1:])
	// BytesToAddress keeps the low 20 bytes
	return common.BytesToAddress(h.Sum(nil)).Hex(), nil
}

// AddressFromECPoint decodes CKA_EC_POINT value and derives its address
func AddressFromECPoint(raw []byte) (string, error) {
	point, err := DecodePoint(raw)
	if err != nil {
		return "", err
	}
	return DeriveAddress(point)
}

// NewCreationID returns identifier for a new key pair:
// 8 bytes big-endian seconds since epoch, followed by 8 random bytes.
func NewCreationID(now time.Time) ([]byte, error) {
	id := make([]byte, CreationIDSize)
	binary.BigEndian.PutUint64(id, uint64(now.Unix()))
	if _, err := rand.Read(id[8:]); err != nil {
		return nil, errors.WithStack(err)
	}
	return id, nil
}

// CreationTime returns the time encoded in the creation ID
func CreationTime(id []byte) (time.Time, bool) {
	if len(id) < 8 {
		return time.Time{}, false
	}
	return time.Unix(int64(binary.BigEndian.Uint64(id[:8])), 0), true
}
