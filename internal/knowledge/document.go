package knowledge

import (
	"errors"
	"fmt"
	"time"
)

// Document is a retrieval corpus entry. Content is immutable text used only
// for scoring; a re-add with the same id replaces the whole record.
type Document struct {
	ID        string         `json:"id"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Tags      []string       `json:"tags,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// TagPreference marks documents that hold persistent user preferences. They
// are always included in generation context regardless of retrieval score.
const TagPreference = "preference"

// HasTag reports whether the document carries the given tag.
func (d Document) HasTag(tag string) bool {
	for _, t := range d.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// NotFoundError indicates a requested document does not exist.
type NotFoundError struct {
	ID string
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("document %s not found", e.ID)
}

// IsNotFound returns true when err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var target NotFoundError
	return errors.As(err, &target)
}
