package provision

import (
	"strings"

	"github.com/spatialvault/spatialvault/internal/common/apperrors"
	"github.com/spatialvault/spatialvault/internal/vault/db/dberror"
)

const NameSeparator = ":"

// CanonicalName is a parsed "owner:path:name" collection name.
type CanonicalName struct {
	Owner    string
	Segments []string
}

// ParseCanonicalName splits name into its owner and the remaining
// segments. Every segment must be a valid identifier and there must be at
// least one segment after the owner. The derived table name must also fit
// the identifier limits.
func ParseCanonicalName(name string) (CanonicalName, apperrors.Error) {
	parts := strings.Split(name, NameSeparator)
	if len(parts) < 2 {
		return CanonicalName{}, dberror.ErrValidation.Msg("collection name must have the form owner:name")
	}
	for _, p := range parts {
		if err := ValidateIdentifier(p); err != nil {
			return CanonicalName{}, err
		}
	}
	cn := CanonicalName{Owner: parts[0], Segments: parts[1:]}
	if err := ValidateIdentifier(cn.TableName()); err != nil {
		return CanonicalName{}, dberror.ErrValidation.Msg("collection name too long for a table name")
	}
	return cn, nil
}

// ValidateCanonicalName reports whether name is a well-formed collection
// name.
func ValidateCanonicalName(name string) apperrors.Error {
	_, err := ParseCanonicalName(name)
	return err
}

func (c CanonicalName) String() string {
	return c.Owner + NameSeparator + strings.Join(c.Segments, NameSeparator)
}

// TableName is the feature table backing a vector collection with this
// name inside the owner's schema.
func (c CanonicalName) TableName() string {
	return strings.Join(c.Segments, "_")
}

// Qualify turns a bare name into "owner:name". Names that already contain
// a separator are returned unchanged.
func Qualify(owner, name string) string {
	if strings.Contains(name, NameSeparator) {
		return name
	}
	return owner + NameSeparator + name
}
