package observability

import (
	"errors"
	"fmt"
)

// AggregateErrors joins the non-nil errors of a multi-step operation (for
// example shutdown), logs them once, and returns the joined error.
func AggregateErrors(operation string, errs ...error) error {
	filtered := make([]error, 0, len(errs))
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		if err == nil {
			continue
		}
		filtered = append(filtered, err)
		messages = append(messages, err.Error())
	}
	if len(filtered) == 0 {
		return nil
	}
	Log().Error("operation errors",
		F("operation", operation),
		F("error_count", len(filtered)),
		F("errors", messages),
	)
	return fmt.Errorf("%s failed: %w", operation, errors.Join(filtered...))
}
