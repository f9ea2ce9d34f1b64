package domain

import (
	"sort"
	"strings"
	"time"
)

// Predefined list names every profile document carries at the top level.
const (
	ListWatchlist      = "watchlist"
	ListFavorites      = "favorites"
	ListWatchedHistory = "watchedHistory"
)

// FieldCustomLists is the profile field holding user-created lists,
// a map of list name to movie IDs.
const FieldCustomLists = "customLists"

// PredefinedLists enumerates the built-in lists in display order.
var PredefinedLists = []string{ListWatchlist, ListFavorites, ListWatchedHistory}

// IsPredefinedList reports whether name is one of the built-in lists.
func IsPredefinedList(name string) bool {
	for _, l := range PredefinedLists {
		if l == name {
			return true
		}
	}
	return false
}

// Profile is a decoded profile document: native Go values keyed by field
// name. Lists are []any of int64 movie IDs, customLists is a
// map[string]any of such lists.
type Profile map[string]any

// NewDefaultProfile builds the document created for a first sign-in.
// When no display name is known, the local part of the email is used.
func NewDefaultProfile(email, displayName string, now time.Time) Profile {
	if displayName == "" {
		displayName = email
		if i := strings.Index(email, "@"); i > 0 {
			displayName = email[:i]
		}
	}
	return Profile{
		"email":                   email,
		"displayName":             displayName,
		"createdAt":               now.UTC(),
		ListWatchlist:             []any{},
		ListFavorites:             []any{},
		ListWatchedHistory:        []any{},
		FieldCustomLists:          map[string]any{},
		"profilePictureLocalPath": "",
	}
}

// Clone returns a deep copy of the profile. Mutating the copy never
// affects the original.
func (p Profile) Clone() Profile {
	if p == nil {
		return nil
	}
	return Profile(cloneValue(map[string]any(p)).(map[string]any))
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Email returns the profile's email field, if set.
func (p Profile) Email() string {
	s, _ := p["email"].(string)
	return s
}

// DisplayName returns the profile's displayName field, if set.
func (p Profile) DisplayName() string {
	s, _ := p["displayName"].(string)
	return s
}

// List returns the movie IDs in the named list and whether the list exists.
// Predefined lists always exist, even when the field is absent from the
// document. Custom lists exist only if present under customLists.
func (p Profile) List(name string) ([]int64, bool) {
	if IsPredefinedList(name) {
		raw, _ := p[name].([]any)
		return toIDs(raw), true
	}
	custom, _ := p[FieldCustomLists].(map[string]any)
	raw, ok := custom[name]
	if !ok {
		return nil, false
	}
	items, _ := raw.([]any)
	return toIDs(items), true
}

// CustomListNames returns the user-created list names in sorted order.
func (p Profile) CustomListNames() []string {
	custom, _ := p[FieldCustomLists].(map[string]any)
	names := make([]string, 0, len(custom))
	for name := range custom {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AllListNames returns list names, optionally filtered to predefined or
// custom lists.
func (p Profile) AllListNames(includePredefined, includeCustom bool) []string {
	var names []string
	if includePredefined {
		names = append(names, PredefinedLists...)
	}
	if includeCustom {
		names = append(names, p.CustomListNames()...)
	}
	return names
}

// ListsForMovie returns the names of every list containing the movie.
func (p Profile) ListsForMovie(movieID int64) []string {
	var names []string
	for _, name := range p.AllListNames(true, true) {
		if p.IsMovieInList(movieID, name) {
			names = append(names, name)
		}
	}
	return names
}

// IsMovieInList reports whether the movie is in the named list.
func (p Profile) IsMovieInList(movieID int64, name string) bool {
	ids, ok := p.List(name)
	if !ok {
		return false
	}
	for _, id := range ids {
		if id == movieID {
			return true
		}
	}
	return false
}

func toIDs(raw []any) []int64 {
	ids := make([]int64, 0, len(raw))
	for _, v := range raw {
		switch t := v.(type) {
		case int64:
			ids = append(ids, t)
		case int:
			ids = append(ids, int64(t))
		case float64:
			ids = append(ids, int64(t))
		}
	}
	return ids
}

// IDsToValues converts movie IDs back to the []any form stored in a profile.
func IDsToValues(ids []int64) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
