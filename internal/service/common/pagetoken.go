// Package common holds helpers shared by the HTTP surface and services.
package common

import (
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"

	apperrors "github.com/acme/blast-dispatch/pkg/errors"
)

// EncodePageToken turns an opaque storage paging state into a URL-safe token.
// An empty state yields an empty token.
func EncodePageToken(state []byte) string {
	if len(state) == 0 {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(state)
}

// DecodePageToken reverses EncodePageToken.
func DecodePageToken(token string) ([]byte, error) {
	if token == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed page token", apperrors.ErrValidation)
	}
	return data, nil
}

// EncodeCursor encodes the last id of a listing page.
func EncodeCursor(id uuid.UUID) string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// DecodeCursor parses a listing cursor. An empty cursor yields nil.
func DecodeCursor(cursor string) (*uuid.UUID, error) {
	if cursor == "" {
		return nil, nil
	}
	data, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", apperrors.ErrValidation)
	}
	id, err := uuid.FromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed cursor", apperrors.ErrValidation)
	}
	return &id, nil
}
