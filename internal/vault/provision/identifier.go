// Package provision guards the identifiers of tenant schemas and feature
// tables. Every identifier passes ValidateIdentifier before it reaches the
// provisioning routines or a statement, and statements quote identifiers
// with QuoteIdentifier.
package provision

import (
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/lib/pq"
	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
)

const maxMessageRunes = 80

var identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// schemas and roles a tenant may never claim
var reservedIdentifiers = map[string]struct{}{
	"public":             {},
	"information_schema": {},
	"spatialvault":       {},
	"postgres":           {},
	"topology":           {},
	"tiger":              {},
}

// IsValidIdentifier reports whether s can be used as a role, schema or
// table name.
func IsValidIdentifier(s string) bool {
	if !identifierRegex.MatchString(s) {
		return false
	}
	lower := strings.ToLower(s)
	if strings.HasPrefix(lower, "pg_") {
		return false
	}
	_, reserved := reservedIdentifiers[lower]
	return !reserved
}

func ValidateIdentifier(s string) apperrors.Error {
	if !IsValidIdentifier(s) {
		return dberror.ErrInvalidIdentifier.Msg("invalid identifier " + QuoteLiteralForMessage(s))
	}
	return nil
}

// QuoteIdentifier is the only way identifiers enter a statement.
func QuoteIdentifier(s string) string {
	return pq.QuoteIdentifier(s)
}

// QuoteLiteralForMessage renders untrusted input for error messages and
// logs, bounded in length.
func QuoteLiteralForMessage(s string) string {
	if utf8.RuneCountInString(s) > maxMessageRunes {
		s = string([]rune(s)[:maxMessageRunes]) + "..."
	}
	return pq.QuoteLiteral(s)
}

func pgIdentifierValidator(fl validator.FieldLevel) bool {
	return IsValidIdentifier(fl.Field().String())
}

var assetKeyRegex = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,63}$`)

func assetKeyValidator(fl validator.FieldLevel) bool {
	return assetKeyRegex.MatchString(fl.Field().String())
}

func canonicalNameValidator(fl validator.FieldLevel) bool {
	return ValidateCanonicalName(fl.Field().String()) == nil
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

// V returns the validator with the identifier tags registered:
// "pgident", "canonicalname" and "assetkey".
func V() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		_ = validate.RegisterValidation("pgident", pgIdentifierValidator)
		_ = validate.RegisterValidation("canonicalname", canonicalNameValidator)
		_ = validate.RegisterValidation("assetkey", assetKeyValidator)
	})
	return validate
}
