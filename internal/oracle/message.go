package oracle

import (
	"crypto/ecdsa"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/feed"
)

// UpdateVersion is the only signed update layout this package reads.
const UpdateVersion byte = 1

const (
	payloadSize   = 1 + feed.Size + 8 + 8 + 4 + 8 // version, feed, price, conf, expo, publish time
	signatureSize = 65
	// UpdateSize is the length of an encoded signed update.
	UpdateSize = payloadSize + signatureSize
)

// Update is one publisher observation for a feed: price = Price × 10^Expo.
type Update struct {
	FeedID      feed.ID
	Price       int64
	Conf        uint64
	Expo        int32
	PublishTime time.Time
}

// Decimal returns the price as a decimal.
func (u Update) Decimal() decimal.Decimal {
	return decimal.New(u.Price, u.Expo)
}

func (u Update) payload() []byte {
	buf := make([]byte, payloadSize)
	buf[0] = UpdateVersion
	off := 1
	copy(buf[off:], u.FeedID[:])
	off += feed.Size
	binary.BigEndian.PutUint64(buf[off:], uint64(u.Price))
	off += 8
	binary.BigEndian.PutUint64(buf[off:], u.Conf)
	off += 8
	binary.BigEndian.PutUint32(buf[off:], uint32(u.Expo))
	off += 4
	binary.BigEndian.PutUint64(buf[off:], uint64(u.PublishTime.Unix()))
	return buf
}

// SignUpdate encodes u and appends a secp256k1 signature over the
// Keccak-256 digest of the encoding.
func SignUpdate(u Update, key *ecdsa.PrivateKey) ([]byte, error) {
	payload := u.payload()
	sig, err := ethcrypto.Sign(ethcrypto.Keccak256(payload), key)
	if err != nil {
		return nil, fmt.Errorf("sign price update: %w", err)
	}
	return append(payload, sig...), nil
}

// ParseUpdate decodes a signed update and recovers the signer address. It
// does not decide whether the signer is trusted.
func ParseUpdate(blob []byte) (Update, common.Address, error) {
	if len(blob) != UpdateSize {
		return Update{}, common.Address{}, fmt.Errorf("%w: %d bytes, want %d", ErrMalformedUpdate, len(blob), UpdateSize)
	}
	if blob[0] != UpdateVersion {
		return Update{}, common.Address{}, fmt.Errorf("%w: %d", ErrUnsupportedUpdate, blob[0])
	}

	payload, sig := blob[:payloadSize], blob[payloadSize:]
	pub, err := ethcrypto.SigToPub(ethcrypto.Keccak256(payload), sig)
	if err != nil {
		return Update{}, common.Address{}, fmt.Errorf("%w: recover signer: %v", ErrMalformedUpdate, err)
	}

	var u Update
	off := 1
	copy(u.FeedID[:], payload[off:off+feed.Size])
	off += feed.Size
	u.Price = int64(binary.BigEndian.Uint64(payload[off:]))
	off += 8
	u.Conf = binary.BigEndian.Uint64(payload[off:])
	off += 8
	u.Expo = int32(binary.BigEndian.Uint32(payload[off:]))
	off += 4
	u.PublishTime = time.Unix(int64(binary.BigEndian.Uint64(payload[off:])), 0).UTC()

	return u, ethcrypto.PubkeyToAddress(*pub), nil
}
