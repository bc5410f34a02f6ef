package domain

import (
	"encoding/json"
	"slices"
	"strings"
	"time"
)

// StripPosition controls whether a strip renders above or below the navigation.
type StripPosition string

const (
	StripTop    StripPosition = "top"
	StripInline StripPosition = "inline"
)

// AnimationMode controls how strip text moves.
type AnimationMode string

const (
	AnimationScroll AnimationMode = "scroll"
	AnimationStatic AnimationMode = "static"
)

// Palette is the fixed set of strip background colors.
var Palette = []string{"black", "white", "red", "orange", "yellow", "green", "blue", "purple", "pink", "gray"}

const (
	DefaultStripColor       = "black"
	DefaultStripHeight      = 40
	DefaultStripSpeed       = 50
	DefaultStripRepetitions = 3

	MinStripHeight, MaxStripHeight           = 20, 100
	MinStripSpeed, MaxStripSpeed             = 1, 100
	MinStripRepetitions, MaxStripRepetitions = 1, 10
)

// Strip is a scrolling announcement strip.
type Strip struct {
	ID                string        `json:"id"`
	Text              string        `json:"text"`
	Emoji             string        `json:"emoji"`
	IsActive          bool          `json:"isActive"`
	BackgroundColor   string        `json:"backgroundColor"`
	Height            int           `json:"height"`
	Speed             int           `json:"speed"`
	RepetitionCount   int           `json:"repetitionCount"`
	Position          StripPosition `json:"position"`
	TextAnimationMode AnimationMode `json:"textAnimationMode"`
	CreatedAt         time.Time     `json:"createdAt"`
	UpdatedAt         time.Time     `json:"updatedAt"`
}

// NewStrip returns an active strip with every display setting at its default.
func NewStrip(id, text string) *Strip {
	s := &Strip{ID: id, Text: text}
	s.applyDefaults()
	return s
}

func (s *Strip) applyDefaults() {
	s.IsActive = true
	s.BackgroundColor = DefaultStripColor
	s.Height = DefaultStripHeight
	s.Speed = DefaultStripSpeed
	s.RepetitionCount = DefaultStripRepetitions
	s.Position = StripTop
	s.TextAnimationMode = AnimationScroll
}

// UnmarshalJSON starts from the defaults so that omitted fields keep them.
func (s *Strip) UnmarshalJSON(data []byte) error {
	type plain Strip
	p := plain{}
	(*Strip)(&p).applyDefaults()
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = Strip(p)
	return nil
}

func (s *Strip) RecordID() string       { return s.ID }
func (s *Strip) RecordKind() Kind       { return KindStrip }
func (s *Strip) LastUpdated() time.Time { return s.UpdatedAt }
func (s *Strip) Created() time.Time     { return s.CreatedAt }
func (s *Strip) sealed()                {}

func (s *Strip) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return ErrMissingID
	}
	return nil
}

// Sanitize clamps numeric settings into range and replaces unknown enum values
// with their defaults. Zero numbers count as missing.
func (s *Strip) Sanitize() {
	s.ID = strings.TrimSpace(s.ID)
	if !slices.Contains(Palette, s.BackgroundColor) {
		s.BackgroundColor = DefaultStripColor
	}
	s.Height = clampOrDefault(s.Height, MinStripHeight, MaxStripHeight, DefaultStripHeight)
	s.Speed = clampOrDefault(s.Speed, MinStripSpeed, MaxStripSpeed, DefaultStripSpeed)
	s.RepetitionCount = clampOrDefault(s.RepetitionCount, MinStripRepetitions, MaxStripRepetitions, DefaultStripRepetitions)
	if s.Position != StripTop && s.Position != StripInline {
		s.Position = StripTop
	}
	if s.TextAnimationMode != AnimationScroll && s.TextAnimationMode != AnimationStatic {
		s.TextAnimationMode = AnimationScroll
	}
}

func (s *Strip) Stamp(updatedAt, createdAt time.Time) {
	stamp(&s.UpdatedAt, &s.CreatedAt, updatedAt, createdAt)
}

func (s *Strip) Clone() Record {
	c := *s
	return &c
}

func clampOrDefault(v, lo, hi, def int) int {
	switch {
	case v == 0:
		return def
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
