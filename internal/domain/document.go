// Package domain contains entities without logic, just meta-data
// and the pure access rules derived from it.
package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	MaxTitleLen    = 120
	MaxNicknameLen = 36

	DefaultMaxParticipants = 50
)

var (
	ErrNicknameEmpty   = errors.New("nickname empty")
	ErrNicknameTooLong = errors.New("nickname too long")
	ErrTitleTooLong    = errors.New("title too long")
)

type (
	DocumentID string
	SlideID    string
	BlockID    string
)

// Settings is the public-access policy of a document.
type Settings struct {
	IsPublic           bool `json:"is_public"`
	AllowAnonymousEdit bool `json:"allow_anonymous_edit"`
	MaxParticipants    int  `json:"max_participants"`
}

func DefaultSettings() Settings {
	return Settings{
		IsPublic:           true,
		AllowAnonymousEdit: true,
		MaxParticipants:    DefaultMaxParticipants,
	}
}

// AuthorizedUser is a persisted grant of Editor/Viewer access to a
// display name, independent of the public-access settings.
type AuthorizedUser struct {
	Nickname string    `json:"nickname"`
	Role     Role      `json:"role"`
	AddedBy  string    `json:"added_by"`
	AddedAt  time.Time `json:"added_at"`
}

// TextBlock is one positioned text element on a slide. ID is unique
// within its slide.
type TextBlock struct {
	ID              BlockID `json:"id"`
	X               float64 `json:"x"`
	Y               float64 `json:"y"`
	Width           float64 `json:"width"`
	Height          float64 `json:"height"`
	Content         string  `json:"content"`
	FontSize        int     `json:"font_size"`
	FontWeight      string  `json:"font_weight"`
	Color           string  `json:"color"`
	BackgroundColor string  `json:"background_color"`
	TextAlign       string  `json:"text_align"`
	ZIndex          int     `json:"z_index"`
}

// Slide order is dense 0..n-1 among the slides of one document.
type Slide struct {
	ID              SlideID     `json:"id"`
	Order           int         `json:"order"`
	Title           string      `json:"title"`
	BackgroundColor string      `json:"background_color"`
	TextBlocks      []TextBlock `json:"text_blocks"`
}

// Document is the persisted deck. The collaboration core only ever
// holds read snapshots of it; a document always has at least one slide.
type Document struct {
	ID              DocumentID       `json:"id"`
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	CreatedBy       string           `json:"created_by"`
	Slides          []Slide          `json:"slides"`
	AuthorizedUsers []AuthorizedUser `json:"authorized_users"`
	Settings        Settings         `json:"settings"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
	LastActivity    time.Time        `json:"last_activity"`
}

// NewDocument seeds the first slide so the at-least-one-slide
// invariant holds from birth.
func NewDocument(title, createdBy string) (*Document, error) {
	if err := ValidateNickname(createdBy); err != nil {
		return nil, err
	}
	if len(title) > MaxTitleLen {
		return nil, ErrTitleTooLong
	}
	if title == "" {
		title = "Untitled Presentation"
	}
	now := time.Now().UTC()
	return &Document{
		ID:           DocumentID(uuid.NewString()),
		Title:        title,
		CreatedBy:    createdBy,
		Slides:       []Slide{NewSlide(0)},
		Settings:     DefaultSettings(),
		CreatedAt:    now,
		UpdatedAt:    now,
		LastActivity: now,
	}, nil
}

func NewSlide(order int) Slide {
	return Slide{
		ID:              SlideID(uuid.NewString()),
		Order:           order,
		Title:           "Untitled Slide",
		BackgroundColor: "#ffffff",
		TextBlocks:      []TextBlock{},
	}
}

func NewAuthorizedUser(nickname string, role Role, addedBy string) AuthorizedUser {
	return AuthorizedUser{
		Nickname: nickname,
		Role:     role,
		AddedBy:  addedBy,
		AddedAt:  time.Now().UTC(),
	}
}

func ValidateNickname(name string) error {
	if len(name) == 0 {
		return ErrNicknameEmpty
	}
	if len(name) > MaxNicknameLen {
		return ErrNicknameTooLong
	}
	return nil
}
