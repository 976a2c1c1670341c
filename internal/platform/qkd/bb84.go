// Package qkd simulates a BB84 quantum key distribution session between two
// hospitals and derives a symmetric transmission key from the sifted bits.
// The simulation runs in-process; it exercises the protocol steps (random
// bases, sifting, error estimation, privacy amplification) without any real
// quantum channel.
package qkd

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/hkdf"
)

const (
	Protocol = "BB84 Simulation"
	KeySize  = 32

	// Every sampleStride-th sifted bit is disclosed to estimate the error rate
	// and dropped from the key material.
	sampleStride = 4
	// minKeyBits is the least amount of undisclosed material accepted before
	// privacy amplification.
	minKeyBits = 128
)

var hkdfInfo = []byte("medxfer transmission key v1")

var (
	// ErrEavesdropping means the estimated bit error rate exceeded the
	// configured threshold, so the exchanged bits were discarded.
	ErrEavesdropping = errors.New("qkd: quantum bit error rate above threshold")
	// ErrInsufficientKey means too few bits survived sifting.
	ErrInsufficientKey = errors.New("qkd: not enough sifted bits")
)

type Config struct {
	RawBits       int
	QBERThreshold float64
	MaxAttempts   int
	// EavesdropRate is the probability that an interceptor measures and
	// resends each photon. Zero models a clean channel.
	EavesdropRate float64
	RetryInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		RawBits:       1024,
		QBERThreshold: 0.11,
		MaxAttempts:   3,
	}
}

// Stats describes a completed or aborted exchange. It never contains key
// material.
type Stats struct {
	Protocol      string  `json:"protocol"`
	BitsExchanged int     `json:"bits_exchanged"`
	SiftedBits    int     `json:"sifted_bits"`
	SampledBits   int     `json:"sampled_bits"`
	QBER          float64 `json:"qber"`
	Attempts      int     `json:"attempts"`
}

type BB84 struct {
	cfg  Config
	rand io.Reader
}

type Option func(*BB84)

// WithRand replaces the entropy source. Tests use it for reproducible runs.
func WithRand(r io.Reader) Option {
	return func(b *BB84) { b.rand = r }
}

func New(cfg Config, opts ...Option) *BB84 {
	def := DefaultConfig()
	if cfg.RawBits <= 0 {
		cfg.RawBits = def.RawBits
	}
	if cfg.QBERThreshold <= 0 {
		cfg.QBERThreshold = def.QBERThreshold
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	b := &BB84{cfg: cfg, rand: rand.Reader}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// NegotiateKey runs sessions until one passes the error check or the attempt
// budget is spent. Every successful call yields an independent key.
func (b *BB84) NegotiateKey(ctx context.Context) ([]byte, Stats, error) {
	var (
		key   []byte
		stats Stats
	)
	attempts := 0

	var policy backoff.BackOff = &backoff.ZeroBackOff{}
	if b.cfg.RetryInterval > 0 {
		policy = backoff.NewConstantBackOff(b.cfg.RetryInterval)
	}
	policy = backoff.WithContext(backoff.WithMaxRetries(policy, uint64(b.cfg.MaxAttempts-1)), ctx)

	err := backoff.Retry(func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		k, s, err := b.session()
		stats = s
		if err != nil {
			if errors.Is(err, ErrEavesdropping) || errors.Is(err, ErrInsufficientKey) {
				return err
			}
			return backoff.Permanent(err)
		}
		key = k
		return nil
	}, policy)

	stats.Attempts = attempts
	if err != nil {
		return nil, stats, fmt.Errorf("negotiate key after %d attempt(s): %w", attempts, err)
	}
	return key, stats, nil
}

// session performs one exchange of RawBits photons.
func (b *BB84) session() ([]byte, Stats, error) {
	n := b.cfg.RawBits
	src := newBitSource(b.rand)
	stats := Stats{Protocol: Protocol, BitsExchanged: n}

	var aliceKey, bobKey []byte
	for i := 0; i < n; i++ {
		aliceBit, err := src.bit()
		if err != nil {
			return nil, stats, err
		}
		aliceBasis, err := src.bit()
		if err != nil {
			return nil, stats, err
		}

		photonBit, photonBasis := aliceBit, aliceBasis
		if b.cfg.EavesdropRate > 0 {
			p, err := src.uniform()
			if err != nil {
				return nil, stats, err
			}
			if p < b.cfg.EavesdropRate {
				eveBasis, err := src.bit()
				if err != nil {
					return nil, stats, err
				}
				if photonBit, err = measure(src, photonBit, photonBasis, eveBasis); err != nil {
					return nil, stats, err
				}
				photonBasis = eveBasis
			}
		}

		bobBasis, err := src.bit()
		if err != nil {
			return nil, stats, err
		}
		bobBit, err := measure(src, photonBit, photonBasis, bobBasis)
		if err != nil {
			return nil, stats, err
		}

		// Sifting: bases are compared publicly and mismatches discarded.
		if aliceBasis == bobBasis {
			aliceKey = append(aliceKey, aliceBit)
			bobKey = append(bobKey, bobBit)
		}
	}
	stats.SiftedBits = len(aliceKey)

	var material []byte
	errs := 0
	for i := range aliceKey {
		if i%sampleStride == 0 {
			stats.SampledBits++
			if aliceKey[i] != bobKey[i] {
				errs++
			}
			continue
		}
		material = append(material, bobKey[i])
	}
	if stats.SampledBits > 0 {
		stats.QBER = float64(errs) / float64(stats.SampledBits)
	}

	if stats.QBER > b.cfg.QBERThreshold {
		return nil, stats, ErrEavesdropping
	}
	if len(material) < minKeyBits {
		return nil, stats, ErrInsufficientKey
	}

	key, err := amplify(material)
	if err != nil {
		return nil, stats, err
	}
	return key, stats, nil
}

// measure returns the bit observed when a photon prepared in prepBasis is
// measured in measBasis. A basis mismatch yields a random outcome.
func measure(src *bitSource, bit, prepBasis, measBasis byte) (byte, error) {
	if prepBasis == measBasis {
		return bit, nil
	}
	return src.bit()
}

// amplify compresses the reconciled bits into a uniform key with HKDF-SHA256.
func amplify(bits []byte) ([]byte, error) {
	packed := make([]byte, (len(bits)+7)/8)
	for i, bit := range bits {
		packed[i/8] |= bit << (7 - uint(i%8))
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, packed, nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("qkd: privacy amplification: %w", err)
	}
	return key, nil
}

// bitSource hands out single random bits, reading from the underlying
// reader one byte at a time.
type bitSource struct {
	r    io.Reader
	cur  byte
	left int
}

func newBitSource(r io.Reader) *bitSource {
	return &bitSource{r: r}
}

func (s *bitSource) bit() (byte, error) {
	if s.left == 0 {
		var buf [1]byte
		if _, err := io.ReadFull(s.r, buf[:]); err != nil {
			return 0, fmt.Errorf("qkd: read entropy: %w", err)
		}
		s.cur, s.left = buf[0], 8
	}
	s.left--
	return (s.cur >> uint(s.left)) & 1, nil
}

// uniform returns a float in [0, 1).
func (s *bitSource) uniform() (float64, error) {
	var buf [8]byte
	if _, err := io.ReadFull(s.r, buf[:]); err != nil {
		return 0, fmt.Errorf("qkd: read entropy: %w", err)
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / (1 << 53), nil
}
