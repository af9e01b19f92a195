package client

import (
	"fmt"
	"strings"

	"taskboard/domain"
)

// MergeStrategy decides how a conflicted edit combines the local attempt with
// the server's task.
type MergeStrategy string

const (
	// ConcatenateText joins differing title and description as
	// "local server" and keeps the local status, priority and assignee.
	ConcatenateText MergeStrategy = "concatenateText"
	PreferLocal     MergeStrategy = "preferLocal"
	PreferServer    MergeStrategy = "preferServer"
	// ManualFieldPicker takes each field from the side named in
	// MergeOptions.Picks; unpicked fields come from the server.
	ManualFieldPicker MergeStrategy = "manualFieldPicker"
)

// MergeStrategies lists the accepted strategies, default first.
var MergeStrategies = []MergeStrategy{ConcatenateText, PreferLocal, PreferServer, ManualFieldPicker}

// ParseMergeStrategy accepts a strategy name; empty selects the default.
func ParseMergeStrategy(s string) (MergeStrategy, error) {
	if s == "" {
		return ConcatenateText, nil
	}
	for _, m := range MergeStrategies {
		if strings.EqualFold(s, string(m)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("unknown merge strategy %q", s)
}

// Field names a mergeable task field.
type Field string

const (
	FieldTitle       Field = "title"
	FieldDescription Field = "description"
	FieldStatus      Field = "status"
	FieldPriority    Field = "priority"
	FieldAssignee    Field = "assignedUser"
)

// Side picks which snapshot a field comes from.
type Side int

const (
	SideServer Side = iota
	SideLocal
)

// MergeOptions configures Edit.Merge.
type MergeOptions struct {
	Strategy MergeStrategy
	Picks    map[Field]Side
}

// Merge builds the task submitted by a merge resolution. Identity and version
// come from the server snapshot.
func Merge(local, server domain.Task, opts MergeOptions) (domain.Task, error) {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = ConcatenateText
	}
	out := server
	switch strategy {
	case ConcatenateText:
		out.Title = concat(local.Title, server.Title)
		out.Description = concat(local.Description, server.Description)
		out.Status = local.Status
		out.Priority = local.Priority
		out.AssignedUser = local.AssignedUser
	case PreferLocal:
		copyFields(&out, local)
	case PreferServer:
	case ManualFieldPicker:
		for field, side := range opts.Picks {
			if side != SideLocal {
				continue
			}
			switch field {
			case FieldTitle:
				out.Title = local.Title
			case FieldDescription:
				out.Description = local.Description
			case FieldStatus:
				out.Status = local.Status
			case FieldPriority:
				out.Priority = local.Priority
			case FieldAssignee:
				out.AssignedUser = local.AssignedUser
			default:
				return domain.Task{}, fmt.Errorf("unknown field %q", field)
			}
		}
	default:
		return domain.Task{}, fmt.Errorf("unknown merge strategy %q", strategy)
	}
	return out, nil
}

func concat(local, server string) string {
	if local == server {
		return server
	}
	return strings.TrimSpace(local + " " + server)
}

func copyFields(dst *domain.Task, src domain.Task) {
	dst.Title = src.Title
	dst.Description = src.Description
	dst.Status = src.Status
	dst.Priority = src.Priority
	dst.AssignedUser = src.AssignedUser
}
