package hashing

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"convsync/internal/visit"
)

const (
	SHA256 = "sha256"
	SHA1   = "sha1"
	MD5    = "md5"
)

// Hasher digests normalized fields with one fixed algorithm.
type Hasher struct {
	algorithm string
	newHash   func() hash.Hash
}

func New(algorithm string) (*Hasher, error) {
	algorithm = strings.ToLower(strings.TrimSpace(algorithm))
	if algorithm == "" {
		algorithm = SHA256
	}

	h := &Hasher{algorithm: algorithm}
	switch algorithm {
	case SHA256:
		h.newHash = sha256.New
	case SHA1:
		h.newHash = sha1.New
	case MD5:
		h.newHash = md5.New
	default:
		return nil, fmt.Errorf("unsupported hash algorithm: %s", algorithm)
	}
	return h, nil
}

func (h *Hasher) Algorithm() string {
	return h.algorithm
}

// Sum returns the lowercase hex digest of *value. Nil and empty input yield nil so an
// absent field never turns into the digest of "".
func (h *Hasher) Sum(value *string) *string {
	if value == nil || *value == "" {
		return nil
	}
	d := h.newHash()
	d.Write([]byte(*value))
	sum := hex.EncodeToString(d.Sum(nil))
	return &sum
}

func (h *Hasher) Fields(n visit.NormalizedFields) visit.HashedFields {
	return visit.HashedFields{
		Email:       h.Sum(n.Email),
		Phone:       h.Sum(n.Phone),
		FirstName:   h.Sum(n.FirstName),
		LastName:    h.Sum(n.LastName),
		Address:     h.Sum(n.Address),
		City:        h.Sum(n.City),
		Region:      h.Sum(n.Region),
		Zip:         h.Sum(n.Zip),
		CountryCode: h.Sum(n.CountryCode),
		Gender:      h.Sum(n.Gender),
		BirthDate:   h.Sum(n.BirthDate),
	}
}

// Hash fills Hashed on a copy of every visit.
func (h *Hasher) Hash(visits []visit.Enriched) []visit.Enriched {
	out := make([]visit.Enriched, len(visits))
	for i, v := range visits {
		out[i] = v
		out[i].Hashed = h.Fields(v.Normalized)
	}
	return out
}
