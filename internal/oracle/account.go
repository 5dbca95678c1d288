package oracle

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/feed"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/model"
)

// Handle names a posted price account.
type Handle string

// Poster turns a signed update blob into a price account and returns its
// handle.
type Poster interface {
	PostPriceUpdate(ctx context.Context, blob []byte) (Handle, error)
}

// AccountReader returns the raw bytes of a posted price account.
type AccountReader interface {
	Account(h Handle) ([]byte, error)
}

// accountDiscriminator tags the first eight bytes of every price account.
var accountDiscriminator = ethcrypto.Keccak256([]byte("account:PriceAccount"))[:8]

const accountSize = 8 + feed.Size + 8 + 8 + 4 + 8 + 8 + common.AddressLength

// ParsedPrice is a decoded price account.
type ParsedPrice struct {
	FeedID      feed.ID
	Price       int64
	Conf        uint64
	Expo        int32
	PublishTime time.Time
	PostedAt    time.Time
	Signer      common.Address
}

// Decimal returns the price as a decimal.
func (p ParsedPrice) Decimal() decimal.Decimal {
	return decimal.New(p.Price, p.Expo)
}

func encodeAccount(u Update, signer common.Address, postedAt time.Time) []byte {
	buf := make([]byte, 0, accountSize)
	buf = append(buf, accountDiscriminator...)
	buf = append(buf, u.FeedID[:]...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(u.Price))
	buf = binary.BigEndian.AppendUint64(buf, u.Conf)
	buf = binary.BigEndian.AppendUint32(buf, uint32(u.Expo))
	buf = binary.BigEndian.AppendUint64(buf, uint64(u.PublishTime.Unix()))
	buf = binary.BigEndian.AppendUint64(buf, uint64(postedAt.Unix()))
	buf = append(buf, signer.Bytes()...)
	return buf
}

// DecodeAccount parses price account bytes. Anything that is not a price
// account (wrong size, wrong discriminator) is ErrMalformedAccount.
func DecodeAccount(data []byte) (ParsedPrice, error) {
	if len(data) != accountSize {
		return ParsedPrice{}, fmt.Errorf("%w: %d bytes, want %d", ErrMalformedAccount, len(data), accountSize)
	}
	if !bytes.Equal(data[:8], accountDiscriminator) {
		return ParsedPrice{}, fmt.Errorf("%w: discriminator %x", ErrMalformedAccount, data[:8])
	}

	var p ParsedPrice
	off := 8
	copy(p.FeedID[:], data[off:off+feed.Size])
	off += feed.Size
	p.Price = int64(binary.BigEndian.Uint64(data[off:]))
	off += 8
	p.Conf = binary.BigEndian.Uint64(data[off:])
	off += 8
	p.Expo = int32(binary.BigEndian.Uint32(data[off:]))
	off += 4
	p.PublishTime = time.Unix(int64(binary.BigEndian.Uint64(data[off:])), 0).UTC()
	off += 8
	p.PostedAt = time.Unix(int64(binary.BigEndian.Uint64(data[off:])), 0).UTC()
	off += 8
	p.Signer = common.BytesToAddress(data[off : off+common.AddressLength])
	return p, nil
}

// Policy bounds what a decoded price may look like to be used.
type Policy struct {
	MaxFutureSkew time.Duration // tolerated clock drift ahead of now
	MaxConfBps    uint32        // confidence / |price| ceiling in bps; 0 disables
}

// DefaultPolicy is used when no explicit policy is configured.
var DefaultPolicy = Policy{MaxFutureSkew: 5 * time.Second}

const (
	minExpo = -18
	maxExpo = 0
)

// Validate checks p against the feed it is expected to price and returns
// the price.
func Validate(p ParsedPrice, want feed.ID, maxAge time.Duration, now time.Time, pol Policy) (decimal.Decimal, error) {
	if p.FeedID != want {
		return decimal.Zero, fmt.Errorf("%w: got %s, want %s", ErrFeedMismatch, p.FeedID, want)
	}
	if p.Expo < minExpo || p.Expo > maxExpo {
		return decimal.Zero, fmt.Errorf("%w: %d", ErrInvalidExponent, p.Expo)
	}
	if p.Price <= 0 {
		return decimal.Zero, fmt.Errorf("%w: %d", ErrNonPositivePrice, p.Price)
	}
	if !p.Decimal().Shift(model.PriceDecimals).Truncate(0).IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: %s", ErrPriceTooSmall, p.Decimal())
	}
	if p.PublishTime.After(now.Add(pol.MaxFutureSkew)) {
		return decimal.Zero, fmt.Errorf("%w: published %s, now %s", ErrFuturePrice, p.PublishTime.Format(time.RFC3339), now.Format(time.RFC3339))
	}
	if age := now.Sub(p.PublishTime); age > maxAge {
		return decimal.Zero, fmt.Errorf("%w: age %s > %s", ErrStalePrice, age.Truncate(time.Second), maxAge)
	}
	if pol.MaxConfBps > 0 {
		// conf × 10000 > price × MaxConfBps
		lhs := new(big.Int).Mul(new(big.Int).SetUint64(p.Conf), big.NewInt(10_000))
		rhs := new(big.Int).Mul(big.NewInt(p.Price), big.NewInt(int64(pol.MaxConfBps)))
		if lhs.Cmp(rhs) > 0 {
			return decimal.Zero, fmt.Errorf("%w: conf %d on price %d", ErrConfidenceTooWide, p.Conf, p.Price)
		}
	}
	return p.Decimal(), nil
}

// AccountStore is the in-process price account ledger: it verifies signed
// updates against a set of trusted publishers and keeps the resulting
// accounts in a bounded LRU.
type AccountStore struct {
	cache   *lru.Cache
	trusted map[common.Address]struct{}
	now     func() time.Time
}

// NewAccountStore creates a store holding at most size accounts. Updates
// from signers outside trusted are refused.
func NewAccountStore(size int, trusted []common.Address) (*AccountStore, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("price account cache: %w", err)
	}
	s := &AccountStore{
		cache:   cache,
		trusted: make(map[common.Address]struct{}, len(trusted)),
		now:     time.Now,
	}
	for _, a := range trusted {
		s.trusted[a] = struct{}{}
	}
	if len(s.trusted) == 0 {
		slog.Warn("no trusted price publishers configured; every oracle update will be refused")
	}
	return s, nil
}

// PostPriceUpdate implements Poster.
func (s *AccountStore) PostPriceUpdate(_ context.Context, blob []byte) (Handle, error) {
	u, signer, err := ParseUpdate(blob)
	if err != nil {
		metrics.PriceUpdatesPosted.WithLabelValues("malformed").Inc()
		return "", err
	}
	if _, ok := s.trusted[signer]; !ok {
		metrics.PriceUpdatesPosted.WithLabelValues("untrusted").Inc()
		return "", fmt.Errorf("%w: %s", ErrUntrustedSigner, signer.Hex())
	}

	h := Handle(uuid.NewString())
	s.cache.Add(h, encodeAccount(u, signer, s.now()))
	metrics.PriceUpdatesPosted.WithLabelValues("ok").Inc()
	return h, nil
}

// Account implements AccountReader.
func (s *AccountStore) Account(h Handle) ([]byte, error) {
	v, ok := s.cache.Get(h)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	data := v.([]byte)
	return append([]byte(nil), data...), nil
}

// Len returns the number of cached accounts.
func (s *AccountStore) Len() int {
	return s.cache.Len()
}
