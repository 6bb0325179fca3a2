// Package bso defines the Basic Storage Object, the unit of storage for the
// sync storage API.
//
// Purpose:
//
//	A BSO is an opaque JSON payload plus a small amount of metadata: a
//	client-chosen id, an optional sort index, an optional time-to-live and a
//	server-assigned modification version. This package owns parsing and
//	validation of client-supplied BSOs; storage backends persist them as-is.
//
// Key Responsibilities:
//   - BSO struct with pointer fields distinguishing "absent" from "zero"
//     (uploads are partial updates: absent fields keep their stored value)
//   - Validate enforces field-level limits before a BSO reaches storage
//   - ParseBatch decodes the two upload formats (JSON array, newline-delimited)
//
// Error Handling:
//   - Validate returns a FieldError naming the offending field; handlers map
//     it to the numeric invalid-object error code
package bso

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// MaxIDLength is the maximum length of a BSO id in bytes.
	MaxIDLength = 64
	// MaxPayloadSize is the maximum size of a BSO payload in bytes.
	MaxPayloadSize = 256 * 1024
	// MaxSortIndex bounds the sortindex field on either side of zero.
	MaxSortIndex = 999999999
	// MaxTTL is the largest accepted time-to-live, in seconds.
	MaxTTL = 31536000
)

// BSO is a Basic Storage Object as uploaded by a client. Pointer fields are
// nil when the client omitted them, which on update means "leave unchanged".
type BSO struct {
	ID        string  `json:"id"`
	Modified  int64   `json:"modified,omitempty"`
	SortIndex *int64  `json:"sortindex,omitempty"`
	Payload   *string `json:"payload,omitempty"`
	TTL       *int64  `json:"ttl,omitempty"`
}

// ErrNotAnArray is returned by ParseBatch when the body is well-formed JSON
// but not an array of objects. Handlers report it as an invalid object
// rather than malformed JSON.
var ErrNotAnArray = errors.New("bso: not an array")

// FieldError reports a validation failure for a single BSO field.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("bso: invalid %s: %s", e.Field, e.Reason)
}

// PayloadSize returns the size in bytes of the payload, zero when absent.
func (b *BSO) PayloadSize() int {
	if b.Payload == nil {
		return 0
	}
	return len(*b.Payload)
}

// Validate checks all client-settable fields against the protocol limits.
// The id is only required when requireID is set; item PUTs take the id from
// the URL instead of the body.
func (b *BSO) Validate(requireID bool) error {
	if requireID && b.ID == "" {
		return &FieldError{Field: "id", Reason: "missing"}
	}
	if err := ValidateID(b.ID); b.ID != "" && err != nil {
		return err
	}
	if b.SortIndex != nil {
		if *b.SortIndex > MaxSortIndex || *b.SortIndex < -MaxSortIndex {
			return &FieldError{Field: "sortindex", Reason: "out of range"}
		}
	}
	if b.Payload != nil && len(*b.Payload) > MaxPayloadSize {
		return &FieldError{Field: "payload", Reason: "too large"}
	}
	if b.TTL != nil {
		if *b.TTL <= 0 || *b.TTL > MaxTTL {
			return &FieldError{Field: "ttl", Reason: "out of range"}
		}
	}
	return nil
}

// ValidateID checks a BSO id in isolation. Ids are limited to printable
// ASCII, excluding newlines so the newline-delimited upload format stays
// parseable.
func ValidateID(id string) error {
	if id == "" {
		return &FieldError{Field: "id", Reason: "empty"}
	}
	if len(id) > MaxIDLength {
		return &FieldError{Field: "id", Reason: "too long"}
	}
	for i := 0; i < len(id); i++ {
		c := id[i]
		if c < 0x20 || c > 0x7e {
			return &FieldError{Field: "id", Reason: "invalid character"}
		}
	}
	return nil
}

// Parse decodes a single BSO from JSON. Unknown fields are rejected so that
// clients mis-spelling a field name hear about it rather than silently losing
// data.
func Parse(data []byte) (*BSO, error) {
	var b BSO
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		return nil, fmt.Errorf("bso: decode: %w", err)
	}
	return &b, nil
}

// ParseBatch decodes a batch upload body. contentType selects between the
// JSON-array format ("application/json", also used when the header is empty)
// and the newline-delimited format ("application/newlines"). Individual BSOs
// are not validated here; callers walk the slice and collect per-item
// failures.
func ParseBatch(data []byte, contentType string) ([]*BSO, error) {
	switch contentType {
	case "", "application/json":
		var batch []*BSO
		if err := json.Unmarshal(data, &batch); err != nil {
			var typeErr *json.UnmarshalTypeError
			if errors.As(err, &typeErr) {
				return nil, fmt.Errorf("bso: decode batch: %w", ErrNotAnArray)
			}
			return nil, fmt.Errorf("bso: decode batch: %w", err)
		}
		return batch, nil
	case "application/newlines":
		var batch []*BSO
		for _, line := range bytes.Split(data, []byte("\n")) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var b BSO
			if err := json.Unmarshal(line, &b); err != nil {
				return nil, fmt.Errorf("bso: decode batch line: %w", err)
			}
			batch = append(batch, &b)
		}
		return batch, nil
	default:
		return nil, fmt.Errorf("bso: unsupported content type %q", contentType)
	}
}
