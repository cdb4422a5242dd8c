package validation

import (
	"fmt"
	"strings"

	"github.com/devrev/hashkv/internal/errors"
)

const (
	// Size limits
	MaxKeySize     = 1024             // 1 KB
	MaxFieldSize   = 1024             // 1 KB
	MaxTopicSize   = 1024             // 1 KB, topics and patterns alike
	MaxValueSize   = 10 * 1024 * 1024 // 10 MB
	MaxNamesPerReq = 1024
)

// Validator checks request arguments against size limits
type Validator struct {
	maxKeySize   int
	maxFieldSize int
	maxTopicSize int
	maxValueSize int
	maxNames     int
}

// NewValidator creates a new validator with default limits
func NewValidator() *Validator {
	return &Validator{
		maxKeySize:   MaxKeySize,
		maxFieldSize: MaxFieldSize,
		maxTopicSize: MaxTopicSize,
		maxValueSize: MaxValueSize,
		maxNames:     MaxNamesPerReq,
	}
}

// NewValidatorWithLimits creates a validator with custom limits
func NewValidatorWithLimits(maxKeySize, maxFieldSize, maxValueSize, maxNames int) *Validator {
	return &Validator{
		maxKeySize:   maxKeySize,
		maxFieldSize: maxFieldSize,
		maxTopicSize: maxKeySize,
		maxValueSize: maxValueSize,
		maxNames:     maxNames,
	}
}

// ValidateKey validates a hash key
func (v *Validator) ValidateKey(verb, key string) error {
	if key == "" {
		return errors.MissingArgument(verb, "key")
	}
	if len(key) > v.maxKeySize {
		return errors.TooLarge("key", len(key), v.maxKeySize)
	}
	// The bolt backend addresses keys as bucket names
	if strings.Contains(key, "\x00") {
		return errors.MalformedRequest(fmt.Sprintf("%s: key cannot contain null bytes", verb), nil)
	}
	return nil
}

// ValidateField validates a single field name
func (v *Validator) ValidateField(verb, field string) error {
	if field == "" {
		return errors.MissingArgument(verb, "field")
	}
	if len(field) > v.maxFieldSize {
		return errors.TooLarge("field", len(field), v.maxFieldSize)
	}
	return nil
}

// ValidateFields validates a non-empty list of field names
func (v *Validator) ValidateFields(verb string, fields []string) error {
	if len(fields) == 0 {
		return errors.MissingArgument(verb, "fields")
	}
	if len(fields) > v.maxNames {
		return errors.TooLarge("field list", len(fields), v.maxNames)
	}
	for _, f := range fields {
		if err := v.ValidateField(verb, f); err != nil {
			return err
		}
	}
	return nil
}

// ValidateValue validates a value. Empty values are allowed.
func (v *Validator) ValidateValue(value []byte) error {
	if len(value) > v.maxValueSize {
		return errors.TooLarge("value", len(value), v.maxValueSize)
	}
	return nil
}

// ValidateTopics validates a non-empty list of topics or patterns
func (v *Validator) ValidateTopics(verb string, topics []string) error {
	if len(topics) == 0 {
		return errors.MissingArgument(verb, "topics")
	}
	if len(topics) > v.maxNames {
		return errors.TooLarge("topic list", len(topics), v.maxNames)
	}
	for _, topic := range topics {
		if topic == "" {
			return errors.MalformedRequest(fmt.Sprintf("%s: empty topic", verb), nil)
		}
		if len(topic) > v.maxTopicSize {
			return errors.TooLarge("topic", len(topic), v.maxTopicSize)
		}
	}
	return nil
}

// EstimateWriteSize estimates the disk space a field write needs in the
// durable backend: the value, its checksum and bucket bookkeeping.
func EstimateWriteSize(key, field string, value []byte) uint64 {
	size := len(key) + len(field) + len(value) + 4 + 64
	// bolt pages are copied on write; leave headroom
	return uint64(size * 2)
}
