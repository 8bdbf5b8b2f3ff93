// Package profile completes a user's profile on onboarding.
package profile

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/mqy/junglevibe/anon"
	"github.com/mqy/junglevibe/store"
)

const MaxNameLen = 24

var (
	ErrInvalidName   = errors.New("name: should be 1 to 24 characters")
	ErrInvalidGender = errors.New("gender: should be MALE or FEMALE")
	ErrInvalidAvatar = errors.New("avatarUrl: should be one of the avatars of the gender")
)

// Avatars returns the avatar options of a gender, nil for an unknown gender.
func Avatars(g store.Gender) []string {
	switch g {
	case store.GenderMale:
		return anon.AvatarsMale
	case store.GenderFemale:
		return anon.AvatarsFemale
	}
	return nil
}

// Complete validates and saves the profile of uid and marks the user online.
// An existing user keeps its role.
func Complete(ctx context.Context, users store.IUserStore, uid, name string, gender store.Gender, avatarUrl string) (*store.User, error) {
	name = strings.TrimSpace(name)
	if name == "" || utf8.RuneCountInString(name) > MaxNameLen {
		return nil, ErrInvalidName
	}

	avatars := Avatars(gender)
	if avatars == nil {
		return nil, ErrInvalidGender
	}
	if !contains(avatars, avatarUrl) {
		return nil, ErrInvalidAvatar
	}

	role := store.RoleUser
	if old, err := users.GetUser(ctx, uid); err == nil {
		role = old.Role
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	u := &store.User{
		Id:        uid,
		Name:      name,
		Gender:    gender,
		Role:      role,
		AvatarUrl: avatarUrl,
		IsOnline:  true,
	}
	if err := users.PutUser(ctx, u); err != nil {
		return nil, err
	}
	return u, nil
}

func contains(slice []string, v string) bool {
	for _, x := range slice {
		if x == v {
			return true
		}
	}
	return false
}
