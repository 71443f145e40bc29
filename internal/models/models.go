package models

import (
	"time"

	"github.com/gofrs/uuid"
)

type Account struct {
	ID           uuid.UUID `json:"id"`
	UserID       string    `json:"userId"`
	PasswordHash string    `json:"-"` // encoded argon2id or bcrypt digest
	PhoneNumber  string    `json:"phoneNumber"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ProfileView is the read projection of an Account returned to clients.
type ProfileView struct {
	UserID      string    `json:"userId"`
	PhoneNumber string    `json:"phoneNumber"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (a Account) Profile() ProfileView {
	return ProfileView{
		UserID:      a.UserID,
		PhoneNumber: a.PhoneNumber,
		CreatedAt:   a.CreatedAt,
	}
}

type TokenKind string

const (
	AccessTokenKind  TokenKind = "access"
	RefreshTokenKind TokenKind = "refresh"
)

type Token struct {
	Value     string    `json:"token"`
	ID        string    `json:"-"`
	Kind      TokenKind `json:"-"`
	Subject   string    `json:"-"`
	Device    string    `json:"-"`
	IssuedAt  time.Time `json:"issuedAt"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type TokenPair struct {
	Access  Token
	Refresh Token
}

// ClientContext carries the identity headers injected by the API gateway.
type ClientContext struct {
	UserID  string
	Device  string
	Address string
}

const (
	ActionCreate = "Create"

	UserInfoTopic = "userinfo"
)

type AccountChangeEvent struct {
	EventID     string    `json:"eventId"`
	Action      string    `json:"action"`
	UserID      string    `json:"userId"`
	PhoneNumber string    `json:"phoneNumber"`
	EventTime   time.Time `json:"eventTime"`
}
