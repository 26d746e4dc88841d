package printjob

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSettingValue = errors.New("invalid_setting_value")
	ErrRecordNotFound      = errors.New("record_not_found")
)

// SettingError reports a rejected edit. The record is left untouched.
type SettingError struct {
	Field  Field
	Value  string
	Reason string
}

func (e *SettingError) Error() string {
	return fmt.Sprintf("invalid value %q for %s: %s", e.Value, e.Field, e.Reason)
}

func (e *SettingError) Unwrap() error { return ErrInvalidSettingValue }

func IsInvalidSetting(err error) bool { return errors.Is(err, ErrInvalidSettingValue) }
func IsNotFound(err error) bool       { return errors.Is(err, ErrRecordNotFound) }
