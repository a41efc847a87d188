package onboarding

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = newValidator()

// newValidator reports fields by their json names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// SetupRequest starts a new tenant for a code-hosting org.
type SetupRequest struct {
	GitHubToken    string   `json:"github_token" validate:"required"`
	Org            string   `json:"org" validate:"required,max=39"`
	OrgName        string   `json:"org_name" validate:"omitempty,max=100"`
	Instance       string   `json:"instance" validate:"omitempty,max=64"`
	Repos          []string `json:"repos" validate:"omitempty,max=50,dive,required,max=100"`
	TelegramChatID string   `json:"telegram_chat_id" validate:"omitempty,max=32"`
}

// JoinRequest joins the tenant behind an existing memory repository.
type JoinRequest struct {
	GitHubToken string `json:"github_token" validate:"required"`
	Org         string `json:"org" validate:"required,max=39"`
	Repo        string `json:"repo" validate:"required,max=100"`
}

// InviteRequest invites Username into Org and its memory repository.
type InviteRequest struct {
	GitHubToken string `json:"github_token" validate:"required"`
	Org         string `json:"org" validate:"required,max=39"`
	Username    string `json:"username" validate:"required,max=39"`
	Repo        string `json:"repo" validate:"required,max=100"`
}

// AcceptRequest accepts an invite on behalf of the token owner.
type AcceptRequest struct {
	GitHubToken string `json:"github_token" validate:"required"`
	InviteToken string `json:"invite_token" validate:"required"`
}

// ClaimRequest redeems a setup token.
type ClaimRequest struct {
	Token string `json:"token" validate:"required"`
}

// SetupTokenResult hands a setup token to the caller's installer.
type SetupTokenResult struct {
	SetupToken string    `json:"setup_token"`
	ExpiresAt  time.Time `json:"expires_at"`
	Slug       string    `json:"slug"`
	MemoryRepo string    `json:"memory_repo,omitempty"`
}

// InviteResult is a freshly minted invite.
type InviteResult struct {
	InviteToken string    `json:"invite_token"`
	InviteURL   string    `json:"invite_url"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// InviteInfo is the public view of a pending invite.
type InviteInfo struct {
	Org       string    `json:"org"`
	Repo      string    `json:"repo"`
	Inviter   string    `json:"inviter"`
	Invitee   string    `json:"invitee,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// checkRequest validates req and reports offending fields by json name.
func checkRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return fail(CodeInvalidRequest, err)
	}
	fields := make([]string, 0, len(ve))
	for _, fe := range ve {
		fields = append(fields, fe.Field())
	}
	return &Error{Code: CodeInvalidRequest, Fields: fields, Err: err}
}
