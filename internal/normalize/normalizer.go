package normalize

import (
	"context"

	"convsync/internal/logger"
	"convsync/internal/settings"
	"convsync/internal/visit"
	apperrors "convsync/pkg/errors"
)

// Normalizer turns captured semantic fields into the canonical forms the ad platforms
// match on. Raw fields are left untouched.
type Normalizer struct {
	logger logger.Logger
}

func NewNormalizer(log logger.Logger) *Normalizer {
	return &Normalizer{logger: log}
}

// Normalize fills Normalized on a copy of every visit. A visit whose normalization panics
// keeps empty normalized fields.
func (n *Normalizer) Normalize(ctx context.Context, visits []visit.Enriched, cfg settings.DimensionConfig) []visit.Enriched {
	out := make([]visit.Enriched, len(visits))
	for i, v := range visits {
		out[i] = v
		out[i].Normalized = n.normalizeVisit(ctx, v, cfg.PhoneCountryCode)
	}
	return out
}

func (n *Normalizer) normalizeVisit(ctx context.Context, v visit.Enriched, countryCode string) (normalized visit.NormalizedFields) {
	defer func() {
		if r := recover(); r != nil {
			n.logger.ErrorwCtx(ctx, "Error normalizing visit fields",
				"visit_id", v.Visit.IDVisit,
				"error", apperrors.RecoverPanic(r),
			)
			normalized = visit.NormalizedFields{}
		}
	}()

	fields := Effective(v)

	normalized.Email = apply(fields.Email, Email)
	normalized.Phone = apply(fields.Phone, func(s string) string { return Phone(s, countryCode) })
	if fields.Name != nil {
		first, last := Name(*fields.Name)
		normalized.FirstName = visit.Ptr(first)
		normalized.LastName = visit.Ptr(last)
	}
	normalized.Address = apply(fields.Address, Address)
	normalized.City = apply(fields.City, Address)
	normalized.Region = apply(fields.Region, Address)
	normalized.Zip = apply(fields.Zip, Address)
	normalized.CountryCode = apply(fields.Country, Address)
	normalized.Gender = apply(fields.Gender, Gender)
	normalized.BirthDate = apply(fields.BirthDate, BirthDate)

	return normalized
}

// Effective returns the visit-scope fields, completed with the first non-nil value an
// action captured for any field the visit itself lacks.
func Effective(v visit.Enriched) visit.SemanticFields {
	fields := v.Fields
	for _, name := range visit.SemanticFieldNames {
		if fields.Get(name) != nil {
			continue
		}
		for _, a := range v.Visit.Actions {
			if value := a.Fields[name]; value != nil && *value != "" {
				fields.Set(name, value)
				break
			}
		}
	}
	return fields
}

func apply(raw *string, format func(string) string) *string {
	if raw == nil {
		return nil
	}
	return visit.Ptr(format(*raw))
}
