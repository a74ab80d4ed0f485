package visit

import (
	"encoding/json"
	"strconv"
	"strings"
)

type ActionType string

const (
	ActionPageView       ActionType = "page_view"
	ActionCustomEvent    ActionType = "custom_event"
	ActionEcommerceOrder ActionType = "ecommerce_order"
	ActionOther          ActionType = "other"
)

// Action is one tracked occurrence within a visit.
type Action struct {
	Type          ActionType
	RawType       string
	Timestamp     int64
	PageViewID    string
	URL           string
	EventCategory string
	EventAction   string
	EventName     string
	Revenue       float64
	OrderID       string
	ProductIDs    []string
	Dimensions    map[string]*string

	// ID is the conversion identifier, resolved by the dimension expander. Nil means the
	// action cannot be dispatched.
	ID *string
	// Fields holds action-scope semantic fields; every configured name is present.
	Fields map[string]*string
}

// Visit is one analytics session as returned by the analytics API. It is treated as
// read-only once decoded.
type Visit struct {
	IDVisit              string
	VisitorID            string
	UserID               string
	VisitIP              string
	City                 string
	Region               string
	CountryCode          string
	FirstActionTimestamp int64
	LastActionTimestamp  int64
	Dimensions           map[string]*string
	Actions              []Action
	Raw                  map[string]interface{}
}

// Timestamp is the moment used to place a visit inside a time window.
func (v Visit) Timestamp() int64 {
	if v.FirstActionTimestamp > 0 {
		return v.FirstActionTimestamp
	}
	return v.LastActionTimestamp
}

// Dimension returns dimension<index>, or nil when absent or empty.
func (v Visit) Dimension(index int) *string {
	return lookupDimension(v.Dimensions, index)
}

func (a Action) Dimension(index int) *string {
	return lookupDimension(a.Dimensions, index)
}

func lookupDimension(dims map[string]*string, index int) *string {
	if index < 1 || dims == nil {
		return nil
	}
	value := dims["dimension"+strconv.Itoa(index)]
	if value == nil || *value == "" {
		return nil
	}
	return value
}

// Clone copies the visit deeply enough that action IDs and fields can be set without
// touching the original.
func (v Visit) Clone() Visit {
	out := v
	out.Actions = make([]Action, len(v.Actions))
	for i, a := range v.Actions {
		a.ID = nil
		a.Fields = nil
		out.Actions[i] = a
	}
	return out
}

func (v *Visit) UnmarshalJSON(data []byte) error {
	var raw map[string]interface{}
	decoder := json.NewDecoder(strings.NewReader(string(data)))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return err
	}
	*v = FromMap(raw)
	return nil
}

// FromMap builds a Visit from a decoded analytics record.
func FromMap(raw map[string]interface{}) Visit {
	v := Visit{
		IDVisit:              stringOf(raw["idVisit"]),
		VisitorID:            stringOf(raw["visitorId"]),
		UserID:               stringOf(raw["userId"]),
		VisitIP:              stringOf(raw["visitIp"]),
		City:                 stringOf(raw["city"]),
		Region:               firstNonEmpty(stringOf(raw["regionCode"]), stringOf(raw["region"])),
		CountryCode:          stringOf(raw["countryCode"]),
		FirstActionTimestamp: int64Of(raw["firstActionTimestamp"]),
		LastActionTimestamp:  int64Of(raw["lastActionTimestamp"]),
		Dimensions:           dimensionsOf(raw),
		Raw:                  raw,
	}

	if details, ok := raw["actionDetails"].([]interface{}); ok {
		v.Actions = make([]Action, 0, len(details))
		for _, d := range details {
			if m, ok := d.(map[string]interface{}); ok {
				v.Actions = append(v.Actions, actionFromMap(m))
			}
		}
	}

	return v
}

func actionFromMap(raw map[string]interface{}) Action {
	rawType := stringOf(raw["type"])
	return Action{
		Type:          actionType(rawType),
		RawType:       rawType,
		Timestamp:     int64Of(raw["timestamp"]),
		PageViewID:    stringOf(raw["idpageview"]),
		URL:           stringOf(raw["url"]),
		EventCategory: stringOf(raw["eventCategory"]),
		EventAction:   stringOf(raw["eventAction"]),
		EventName:     stringOf(raw["eventName"]),
		Revenue:       float64Of(raw["revenue"]),
		OrderID:       stringOf(raw["orderId"]),
		ProductIDs:    productIDs(raw["itemDetails"]),
		Dimensions:    dimensionsOf(raw),
	}
}

func productIDs(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	ids := make([]string, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		if sku := stringOf(m["itemSKU"]); sku != "" {
			ids = append(ids, sku)
		}
	}
	return ids
}

func actionType(raw string) ActionType {
	switch raw {
	case "action":
		return ActionPageView
	case "event":
		return ActionCustomEvent
	case "ecommerceOrder":
		return ActionEcommerceOrder
	default:
		return ActionOther
	}
}

func dimensionsOf(raw map[string]interface{}) map[string]*string {
	dims := make(map[string]*string)
	for key, value := range raw {
		if !isDimensionKey(key) {
			continue
		}
		if value == nil {
			dims[key] = nil
			continue
		}
		s := stringOf(value)
		dims[key] = &s
	}
	return dims
}

func isDimensionKey(key string) bool {
	const prefix = "dimension"
	if !strings.HasPrefix(key, prefix) || len(key) == len(prefix) {
		return false
	}
	for _, r := range key[len(prefix):] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func stringOf(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

func int64Of(v interface{}) int64 {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return int64(f)
		}
	case float64:
		return int64(t)
	case int:
		return int64(t)
	case int64:
		return t
	case string:
		if i, err := strconv.ParseInt(t, 10, 64); err == nil {
			return i
		}
	}
	return 0
}

func float64Of(v interface{}) float64 {
	switch t := v.(type) {
	case json.Number:
		f, _ := t.Float64()
		return f
	case float64:
		return t
	case int:
		return float64(t)
	case string:
		f, _ := strconv.ParseFloat(t, 64)
		return f
	}
	return 0
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
