package geo

import (
	"fmt"
	"strings"

	"github.com/mmcloughlin/geohash"

	"github.com/example/driver-dispatch/internal/models"
)

// Precision is the fixed length of stored geohashes (~40m cells).
const Precision = 8

// alphabet is the geohash base32 set: digits plus lowercase letters minus a, i, l, o.
const alphabet = "0123456789bcdefghjkmnpqrstuvwxyz"

// Encode returns the fixed-precision geohash for a point. Callers validate
// coordinates first; Encode itself is total and deterministic.
func Encode(lat, lon float64) string {
	return geohash.EncodeWithPrecision(lat, lon, Precision)
}

func EncodeWithPrecision(lat, lon float64, chars int) string {
	if chars <= 0 {
		chars = Precision
	}
	if chars > 12 {
		chars = 12
	}
	return geohash.EncodeWithPrecision(lat, lon, uint(chars))
}

// Decode returns the centre of the cell named by hash.
func Decode(hash string) (lat, lon float64, err error) {
	if err := validateHash(hash); err != nil {
		return 0, 0, err
	}
	lat, lon = geohash.DecodeCenter(strings.ToLower(hash))
	return lat, lon, nil
}

// Bounds returns the cell box named by hash.
func Bounds(hash string) (BoundingBox, error) {
	if err := validateHash(hash); err != nil {
		return BoundingBox{}, err
	}
	b := geohash.BoundingBox(strings.ToLower(hash))
	return BoundingBox{MinLat: b.MinLat, MaxLat: b.MaxLat, MinLon: b.MinLng, MaxLon: b.MaxLng}, nil
}

// Neighbors returns the eight cells surrounding hash.
func Neighbors(hash string) ([]string, error) {
	if err := validateHash(hash); err != nil {
		return nil, err
	}
	return geohash.Neighbors(strings.ToLower(hash)), nil
}

// Prefix returns the first n characters of the geohash of (lat, lon).
func Prefix(lat, lon float64, n int) string {
	h := Encode(lat, lon)
	if n < len(h) && n > 0 {
		return h[:n]
	}
	return h
}

func validateHash(hash string) error {
	if hash == "" {
		return fmt.Errorf("%w: empty geohash", models.ErrInvalidInput)
	}
	if len(hash) > 12 {
		return fmt.Errorf("%w: geohash %q longer than 12 characters", models.ErrInvalidInput, hash)
	}
	for _, r := range strings.ToLower(hash) {
		if !strings.ContainsRune(alphabet, r) {
			return fmt.Errorf("%w: geohash %q contains %q", models.ErrInvalidInput, hash, r)
		}
	}
	return nil
}
