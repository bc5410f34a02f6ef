package domain

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// DefaultBannerPosition is used when a banner names no placement.
const DefaultBannerPosition = "hero"

// CropMetadata positions a banner image inside its slot. It is only ever stored
// whole: if any component is not a finite number the field is dropped.
type CropMetadata struct {
	TX    float64 `json:"tx"`
	TY    float64 `json:"ty"`
	Scale float64 `json:"scale"`
}

// Valid reports whether all three components are finite.
func (c CropMetadata) Valid() bool {
	return finite(c.TX) && finite(c.TY) && finite(c.Scale)
}

// UnmarshalJSON marks missing or null components as NaN so that a partially
// written object is dropped by Sanitize instead of being stored with zeroes.
func (c *CropMetadata) UnmarshalJSON(data []byte) error {
	var raw struct {
		TX    *float64 `json:"tx"`
		TY    *float64 `json:"ty"`
		Scale *float64 `json:"scale"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	c.TX, c.TY, c.Scale = orNaN(raw.TX), orNaN(raw.TY), orNaN(raw.Scale)
	return nil
}

// Banner is a promotional banner occupying one slot.
type Banner struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	Description  string        `json:"description"`
	ImageRef     string        `json:"imageRef"`
	Position     string        `json:"position"`
	IsActive     bool          `json:"isActive"`
	Order        int           `json:"order"`
	Category     string        `json:"category,omitempty"`
	LinkURL      string        `json:"linkURL,omitempty"`
	TargetBlank  bool          `json:"targetBlank,omitempty"`
	CropMetadata *CropMetadata `json:"cropMetadata,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

// NewBanner returns an active banner in the default position.
func NewBanner(id, name, imageRef string) *Banner {
	return &Banner{
		ID:       id,
		Name:     name,
		ImageRef: imageRef,
		Position: DefaultBannerPosition,
		IsActive: true,
	}
}

func (b *Banner) RecordID() string       { return b.ID }
func (b *Banner) RecordKind() Kind       { return KindBanner }
func (b *Banner) LastUpdated() time.Time { return b.UpdatedAt }
func (b *Banner) Created() time.Time     { return b.CreatedAt }
func (b *Banner) sealed()                {}

func (b *Banner) Validate() error {
	if strings.TrimSpace(b.ID) == "" {
		return ErrMissingID
	}
	return nil
}

func (b *Banner) Sanitize() {
	b.ID = strings.TrimSpace(b.ID)
	b.Position = strings.TrimSpace(b.Position)
	if b.Position == "" {
		b.Position = DefaultBannerPosition
	}
	if b.Order < 0 {
		b.Order = 0
	}
	if b.CropMetadata != nil && !b.CropMetadata.Valid() {
		b.CropMetadata = nil
	}
}

func (b *Banner) Stamp(updatedAt, createdAt time.Time) {
	stamp(&b.UpdatedAt, &b.CreatedAt, updatedAt, createdAt)
}

func (b *Banner) Clone() Record {
	c := *b
	if b.CropMetadata != nil {
		crop := *b.CropMetadata
		c.CropMetadata = &crop
	}
	return &c
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func orNaN(f *float64) float64 {
	if f == nil {
		return math.NaN()
	}
	return *f
}
