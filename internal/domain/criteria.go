package domain

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
)

var unlocodePattern = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{3}$`)

// ValidateUnlocode enforces the five-character UN/LOCODE format: a
// two-letter country prefix followed by three alphanumerics.
func ValidateUnlocode(code string) error {
	if !unlocodePattern.MatchString(code) {
		return NewError(CodeInvalidParam, "invalid unlocode %q: want two letters followed by three alphanumerics", code)
	}
	return nil
}

// AvailabilityCriteria is the search input after field-name normalization.
// Agents send camelCase or snake_case interchangeably; UnmarshalJSON folds
// both spellings onto the canonical fields.
type AvailabilityCriteria struct {
	PickupUnlocode   string   `json:"pickup_unlocode"`
	DropoffUnlocode  string   `json:"dropoff_unlocode"`
	PickupISO        string   `json:"pickup_iso"`
	DropoffISO       string   `json:"dropoff_iso"`
	DriverAge        int      `json:"driver_age"`
	ResidencyCountry string   `json:"residency_country,omitempty"`
	VehicleClasses   []string `json:"vehicle_classes,omitempty"`
	AgreementRefs    []string `json:"agreement_refs,omitempty"`
}

// canonicalCriteriaKey lowercases and strips separators so pickupUnlocode,
// pickup_unlocode and Pickup-Unlocode all land on the same field.
func canonicalCriteriaKey(k string) string {
	var b strings.Builder
	b.Grow(len(k))
	for _, r := range k {
		switch {
		case r == '_' || r == '-':
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func (c *AvailabilityCriteria) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		var err error
		switch canonicalCriteriaKey(k) {
		case "pickupunlocode":
			err = json.Unmarshal(v, &c.PickupUnlocode)
		case "dropoffunlocode":
			err = json.Unmarshal(v, &c.DropoffUnlocode)
		case "pickupiso":
			err = json.Unmarshal(v, &c.PickupISO)
		case "dropoffiso":
			err = json.Unmarshal(v, &c.DropoffISO)
		case "driverage":
			err = json.Unmarshal(v, &c.DriverAge)
		case "residencycountry":
			err = json.Unmarshal(v, &c.ResidencyCountry)
		case "vehicleclasses":
			err = json.Unmarshal(v, &c.VehicleClasses)
		case "agreementrefs":
			err = json.Unmarshal(v, &c.AgreementRefs)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the fields the middleware itself interprets. Offer
// contents and vehicle class vocabularies belong to the Sources.
func (c *AvailabilityCriteria) Validate() error {
	if err := ValidateUnlocode(c.PickupUnlocode); err != nil {
		return err
	}
	if err := ValidateUnlocode(c.DropoffUnlocode); err != nil {
		return err
	}
	pickup, err := time.Parse(time.RFC3339, c.PickupISO)
	if err != nil {
		return NewError(CodeInvalidParam, "pickup_iso: %v", err)
	}
	dropoff, err := time.Parse(time.RFC3339, c.DropoffISO)
	if err != nil {
		return NewError(CodeInvalidParam, "dropoff_iso: %v", err)
	}
	if !dropoff.After(pickup) {
		return NewError(CodeInvalidParam, "dropoff_iso must be after pickup_iso")
	}
	if c.DriverAge < 18 || c.DriverAge > 99 {
		return NewError(CodeInvalidParam, "driver_age must be between 18 and 99")
	}
	return nil
}

// DedupedAgreementRefs returns AgreementRefs with duplicates removed,
// preserving first-seen order.
func (c *AvailabilityCriteria) DedupedAgreementRefs() []string {
	seen := make(map[string]struct{}, len(c.AgreementRefs))
	out := make([]string, 0, len(c.AgreementRefs))
	for _, ref := range c.AgreementRefs {
		if _, ok := seen[ref]; ok {
			continue
		}
		seen[ref] = struct{}{}
		out = append(out, ref)
	}
	return out
}
