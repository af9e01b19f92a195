package domain

import "strings"

// TitleKey normalises a title for uniqueness comparisons.
func TitleKey(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

// IsReservedTitle reports whether title collides with a column label.
func IsReservedTitle(title string) bool {
	key := TitleKey(title)
	for _, s := range Statuses {
		if key == TitleKey(string(s)) {
			return true
		}
	}
	return false
}

// ValidateTitle checks the title rules that do not need the store.
func ValidateTitle(title string) error {
	if strings.TrimSpace(title) == "" {
		return &ValidationError{Field: "title", Reason: "task title is required"}
	}
	if IsReservedTitle(title) {
		return &ValidationError{Field: "title", Reason: "task title cannot match column names"}
	}
	return nil
}

// ValidateTask checks every field of a task about to be stored.
func ValidateTask(t Task) error {
	if err := ValidateTitle(t.Title); err != nil {
		return err
	}
	if !t.Status.Valid() {
		return &ValidationError{Field: "status", Reason: "unknown status " + string(t.Status)}
	}
	if !t.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: "unknown priority " + string(t.Priority)}
	}
	return nil
}
