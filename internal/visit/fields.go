package visit

// Semantic field names as used in site settings (visit_dim_<name>, action_dim_<name>).
const (
	FieldUserAgent = "userAgent"
	FieldEmail     = "emailValue"
	FieldName      = "nameValue"
	FieldPhone     = "phoneValue"
	FieldBirthDate = "birthDateValue"
	FieldGender    = "genderValue"
	FieldAddress   = "addressValue"
	FieldCity      = "cityValue"
	FieldRegion    = "regionValue"
	FieldZip       = "zipValue"
	FieldCountry   = "countryValue"
	FieldFBC       = "_fbc"
	FieldFBP       = "_fbp"
	FieldGCLID     = "gclid"
)

// SemanticFieldNames lists every known semantic field in a stable order.
var SemanticFieldNames = []string{
	FieldUserAgent,
	FieldEmail,
	FieldName,
	FieldPhone,
	FieldBirthDate,
	FieldGender,
	FieldAddress,
	FieldCity,
	FieldRegion,
	FieldZip,
	FieldCountry,
	FieldFBC,
	FieldFBP,
	FieldGCLID,
}

// SemanticFields are raw captured values copied out of custom dimensions. A nil pointer is
// an unmapped or empty field.
type SemanticFields struct {
	UserAgent *string
	Email     *string
	Name      *string
	Phone     *string
	BirthDate *string
	Gender    *string
	Address   *string
	City      *string
	Region    *string
	Zip       *string
	Country   *string
	FBC       *string
	FBP       *string
	GCLID     *string
}

func (f *SemanticFields) ref(name string) **string {
	switch name {
	case FieldUserAgent:
		return &f.UserAgent
	case FieldEmail:
		return &f.Email
	case FieldName:
		return &f.Name
	case FieldPhone:
		return &f.Phone
	case FieldBirthDate:
		return &f.BirthDate
	case FieldGender:
		return &f.Gender
	case FieldAddress:
		return &f.Address
	case FieldCity:
		return &f.City
	case FieldRegion:
		return &f.Region
	case FieldZip:
		return &f.Zip
	case FieldCountry:
		return &f.Country
	case FieldFBC:
		return &f.FBC
	case FieldFBP:
		return &f.FBP
	case FieldGCLID:
		return &f.GCLID
	}
	return nil
}

// Set assigns a field by semantic name and reports whether the name is known.
func (f *SemanticFields) Set(name string, value *string) bool {
	ref := f.ref(name)
	if ref == nil {
		return false
	}
	*ref = value
	return true
}

func (f SemanticFields) Get(name string) *string {
	ref := f.ref(name)
	if ref == nil {
		return nil
	}
	return *ref
}

// Map returns every semantic field, keyed by name, including the nil ones.
func (f SemanticFields) Map() map[string]*string {
	out := make(map[string]*string, len(SemanticFieldNames))
	for _, name := range SemanticFieldNames {
		out[name] = f.Get(name)
	}
	return out
}

// NormalizedFields hold canonical, hash-ready forms of the semantic fields.
type NormalizedFields struct {
	Email       *string
	Phone       *string
	FirstName   *string
	LastName    *string
	Address     *string
	City        *string
	Region      *string
	Zip         *string
	CountryCode *string
	Gender      *string
	BirthDate   *string
}

// HashedFields are one-way digests of the NormalizedFields, lowercase hex.
type HashedFields struct {
	Email       *string
	Phone       *string
	FirstName   *string
	LastName    *string
	Address     *string
	City        *string
	Region      *string
	Zip         *string
	CountryCode *string
	Gender      *string
	BirthDate   *string
}

// Enriched composes the raw visit with the values each pipeline stage derived from it.
type Enriched struct {
	Visit         Visit
	Fields        SemanticFields
	ConsentCookie *string
	Normalized    NormalizedFields
	Hashed        HashedFields
}

// Value returns *p or "" for nil.
func Value(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

// Ptr returns nil for an empty string, &s otherwise.
func Ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
