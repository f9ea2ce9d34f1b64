package session

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/cinephile/accountsync/internal/domain"
	apperrors "github.com/cinephile/accountsync/pkg/errors"
)

// ProfileStore is the document store surface the cache needs. PatchProfile
// returns the store's post-update document; the cache adopts it wholesale
// so server-side canonicalization is never lost.
type ProfileStore interface {
	EnsureProfile(ctx context.Context, uid, email, displayName, idToken string) (domain.Profile, bool, error)
	FetchProfile(ctx context.Context, uid, idToken string) (domain.Profile, error)
	PatchProfile(ctx context.Context, uid, idToken string, fields map[string]any) (domain.Profile, error)
}

// Identity is the authenticated account handed to Establish after a
// broker sign-in or a browser flow.
type Identity struct {
	UID          string
	Email        string
	DisplayName  string
	IDToken      string
	RefreshToken string
	GoogleSignIn bool
}

// Cache is the authoritative in-memory session. It owns the signed-in
// account, the cached profile document, and the change notifications that
// fire when either of them moves.
//
// List mutations are confirm-then-apply: the cache computes the change
// against its current document, patches exactly the touched fields at the
// store, and only applies the change locally once the store confirmed it.
// A failed patch leaves the cache exactly as it was.
type Cache struct {
	store    ProfileStore
	notifier *Notifier
	logger   *slog.Logger
	dataDir  string

	mu      sync.RWMutex
	session domain.Session

	// mutationMu serializes mutations so two overlapping calls cannot
	// both patch from the same stale document.
	mutationMu sync.Mutex
}

// NewCache creates a session cache. dataDir is the application data
// directory probed for locally stored profile pictures; empty disables
// the probe.
func NewCache(store ProfileStore, notifier *Notifier, logger *slog.Logger, dataDir string) *Cache {
	return &Cache{
		store:    store,
		notifier: notifier,
		logger:   logger,
		dataDir:  dataDir,
	}
}

// --- Session lifecycle ---

// Establish replaces the session with the given identity, provisioning the
// profile document on first sign-in. Reports whether a new document was
// created. On failure the previous session is left untouched.
func (c *Cache) Establish(ctx context.Context, id Identity) (bool, error) {
	if id.UID == "" || id.IDToken == "" {
		return false, apperrors.Validation("identity must carry a uid and an id token")
	}

	profile, created, err := c.store.EnsureProfile(ctx, id.UID, id.Email, id.DisplayName, id.IDToken)
	if err != nil {
		return false, err
	}

	next := domain.Session{
		UID:                id.UID,
		Email:              id.Email,
		DisplayName:        id.DisplayName,
		IDToken:            id.IDToken,
		RefreshToken:       id.RefreshToken,
		GoogleSignIn:       id.GoogleSignIn,
		ProfilePicturePath: discoverProfilePicture(c.dataDir, id.UID),
		Profile:            profile,
	}
	if next.Email == "" {
		next.Email = profile.Email()
	}
	if next.DisplayName == "" {
		next.DisplayName = profile.DisplayName()
	}

	c.mu.Lock()
	prev := c.session
	c.session = next
	c.mu.Unlock()

	c.emitDiff(prev, next)
	c.logger.InfoContext(ctx, "session established",
		slog.String("uid", id.UID),
		slog.Bool("google_sign_in", id.GoogleSignIn),
		slog.Bool("profile_created", created),
	)
	return created, nil
}

// Clear signs the session out. Change events fire only for fields that
// were actually set; clearing an already empty session emits nothing.
func (c *Cache) Clear() {
	c.mu.Lock()
	prev := c.session
	c.session = domain.Session{}
	c.mu.Unlock()

	if prev.UID == "" {
		return
	}
	c.emitDiff(prev, domain.Session{})
	c.logger.Info("session cleared", slog.String("uid", prev.UID))
}

// RefreshProfile re-reads the profile document from the store and replaces
// the cached copy. The change event fires only when the document actually
// differs.
func (c *Cache) RefreshProfile(ctx context.Context) error {
	c.mutationMu.Lock()
	defer c.mutationMu.Unlock()

	uid, idToken, err := c.requireSession()
	if err != nil {
		return err
	}

	profile, err := c.store.FetchProfile(ctx, uid, idToken)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.session.UID != uid {
		c.mu.Unlock()
		return nil
	}
	changed := !reflect.DeepEqual(c.session.Profile, profile)
	c.session.Profile = profile
	c.mu.Unlock()

	if changed {
		c.notifier.Publish(Event{Kind: KindProfileDataChanged})
	}
	return nil
}

// UpdateIDToken replaces the bearer token in place, without touching
// identity. Reports whether the token actually changed; the refresh event
// fires only then.
func (c *Cache) UpdateIDToken(idToken string) bool {
	c.mu.Lock()
	if idToken == "" || c.session.UID == "" || c.session.IDToken == idToken {
		c.mu.Unlock()
		return false
	}
	c.session.IDToken = idToken
	c.mu.Unlock()

	c.notifier.Publish(Event{Kind: KindIDTokenRefreshed})
	return true
}

func (c *Cache) emitDiff(prev, next domain.Session) {
	if (prev.UID != "") != (next.UID != "") {
		c.notifier.Publish(Event{Kind: KindAuthenticatedChanged, Authenticated: next.UID != ""})
	}
	if prev.Email != next.Email {
		c.notifier.Publish(Event{Kind: KindEmailChanged, Value: next.Email})
	}
	if prev.DisplayName != next.DisplayName {
		c.notifier.Publish(Event{Kind: KindDisplayNameChanged, Value: next.DisplayName})
	}
	if prev.ProfilePicturePath != next.ProfilePicturePath {
		c.notifier.Publish(Event{Kind: KindProfilePictureChanged, Value: next.ProfilePicturePath})
	}
	if prev.UID != "" && next.UID != "" && prev.IDToken != next.IDToken {
		c.notifier.Publish(Event{Kind: KindIDTokenRefreshed})
	}
	if !reflect.DeepEqual(prev.Profile, next.Profile) {
		c.notifier.Publish(Event{Kind: KindProfileDataChanged})
	}
}

// --- Account field updates ---

// SetDisplayName patches the profile's display name and updates the
// session once the store confirmed the write. A no-op when the name is
// unchanged.
func (c *Cache) SetDisplayName(ctx context.Context, name string) error {
	if name == "" {
		return apperrors.Validation("display name must not be empty")
	}
	return c.setAccountField(ctx, "displayName", name, func(s *domain.Session) bool {
		if s.DisplayName == name {
			return false
		}
		s.DisplayName = name
		return true
	}, KindDisplayNameChanged)
}

// SetEmail patches the profile's email field and updates the session once
// the store confirmed the write.
func (c *Cache) SetEmail(ctx context.Context, email string) error {
	if email == "" {
		return apperrors.Validation("email must not be empty")
	}
	return c.setAccountField(ctx, "email", email, func(s *domain.Session) bool {
		if s.Email == email {
			return false
		}
		s.Email = email
		return true
	}, KindEmailChanged)
}

// SetProfilePicturePath records the local path of the account's picture
// in the profile document and the session.
func (c *Cache) SetProfilePicturePath(ctx context.Context, path string) error {
	return c.setAccountField(ctx, "profilePictureLocalPath", path, func(s *domain.Session) bool {
		if s.ProfilePicturePath == path {
			return false
		}
		s.ProfilePicturePath = path
		return true
	}, KindProfilePictureChanged)
}

func (c *Cache) setAccountField(ctx context.Context, field, value string, apply func(*domain.Session) bool, kind Kind) error {
	c.mutationMu.Lock()
	defer c.mutationMu.Unlock()

	uid, idToken, err := c.requireSession()
	if err != nil {
		return err
	}

	c.mu.RLock()
	snapshot := c.session
	c.mu.RUnlock()
	if !apply(&snapshot) {
		return nil
	}

	updated, err := c.store.PatchProfile(ctx, uid, idToken, map[string]any{field: value})
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.session.UID != uid {
		c.mu.Unlock()
		return nil
	}
	apply(&c.session)
	c.session.Profile = updated
	c.mu.Unlock()

	c.notifier.Publish(Event{Kind: kind, Value: value})
	c.notifier.Publish(Event{Kind: KindProfileDataChanged})
	return nil
}

// --- List mutations ---

// AddToList adds a movie to the named list. Adding an id already present,
// or adding to a custom list that does not exist, is a no-op that issues
// no network call.
func (c *Cache) AddToList(ctx context.Context, listName string, movieID int64) error {
	return c.mutateLists(ctx, "add_to_list", func(p domain.Profile) (map[string]any, error) {
		ids, ok := p.List(listName)
		if !ok {
			return nil, nil
		}
		if containsID(ids, movieID) {
			return nil, nil
		}
		field, value := listField(p, listName, append(ids, movieID))
		return map[string]any{field: value}, nil
	})
}

// RemoveFromList removes a movie from the named list. Removing an id that
// is not present, or removing from a custom list that does not exist, is a
// no-op that issues no network call.
func (c *Cache) RemoveFromList(ctx context.Context, listName string, movieID int64) error {
	return c.mutateLists(ctx, "remove_from_list", func(p domain.Profile) (map[string]any, error) {
		ids, ok := p.List(listName)
		if !ok {
			return nil, nil
		}
		if !containsID(ids, movieID) {
			return nil, nil
		}
		field, value := listField(p, listName, removeID(ids, movieID))
		return map[string]any{field: value}, nil
	})
}

// CreateCustomList adds a new empty user-created list.
func (c *Cache) CreateCustomList(ctx context.Context, name string) error {
	return c.mutateLists(ctx, "create_custom_list", func(p domain.Profile) (map[string]any, error) {
		if name == "" {
			return nil, apperrors.Validation("list name must not be empty")
		}
		if domain.IsPredefinedList(name) {
			return nil, apperrors.Validation("list name " + name + " is reserved")
		}
		if _, exists := p.List(name); exists {
			return nil, apperrors.Validation("list " + name + " already exists")
		}
		field, value := listField(p, name, nil)
		return map[string]any{field: value}, nil
	})
}

// DeleteCustomList removes a user-created list. Deleting a list that does
// not exist is a no-op; built-in lists cannot be deleted.
func (c *Cache) DeleteCustomList(ctx context.Context, name string) error {
	return c.mutateLists(ctx, "delete_custom_list", func(p domain.Profile) (map[string]any, error) {
		if domain.IsPredefinedList(name) {
			return nil, apperrors.Validation("cannot delete built-in list " + name)
		}
		custom := customLists(p)
		if _, exists := custom[name]; !exists {
			return nil, nil
		}
		delete(custom, name)
		return map[string]any{domain.FieldCustomLists: custom}, nil
	})
}

// RenameCustomList renames a user-created list, keeping its contents.
func (c *Cache) RenameCustomList(ctx context.Context, oldName, newName string) error {
	return c.mutateLists(ctx, "rename_custom_list", func(p domain.Profile) (map[string]any, error) {
		if newName == "" {
			return nil, apperrors.Validation("list name must not be empty")
		}
		if domain.IsPredefinedList(oldName) || domain.IsPredefinedList(newName) {
			return nil, apperrors.Validation("built-in lists cannot be renamed")
		}
		if oldName == newName {
			return nil, nil
		}
		custom := customLists(p)
		value, exists := custom[oldName]
		if !exists {
			return nil, apperrors.Validation("list " + oldName + " does not exist")
		}
		if _, taken := custom[newName]; taken {
			return nil, apperrors.Validation("list " + newName + " already exists")
		}
		delete(custom, oldName)
		custom[newName] = value
		return map[string]any{domain.FieldCustomLists: custom}, nil
	})
}

// UpdateListMembership reconciles a movie against the full set of lists:
// after the call the movie is in exactly the named lists and no others.
// Only the lists whose membership actually changes are patched.
func (c *Cache) UpdateListMembership(ctx context.Context, movieID int64, finalListNames []string) error {
	return c.mutateLists(ctx, "update_list_membership", func(p domain.Profile) (map[string]any, error) {
		desired := make(map[string]bool, len(finalListNames))
		for _, name := range finalListNames {
			if _, ok := p.List(name); !ok {
				return nil, apperrors.Validation("unknown list " + name)
			}
			desired[name] = true
		}

		fields := map[string]any{}
		for _, name := range p.AllListNames(true, true) {
			ids, _ := p.List(name)
			have := containsID(ids, movieID)
			want := desired[name]
			if have == want {
				continue
			}
			if want {
				ids = append(ids, movieID)
			} else {
				ids = removeID(ids, movieID)
			}
			field, value := listField(p, name, ids)
			fields[field] = value
		}
		if len(fields) == 0 {
			return nil, nil
		}
		return fields, nil
	})
}

// mutateLists runs a mutation under the serialization lock: compute the
// touched fields against a snapshot, patch the store, then adopt the
// post-update document the store returns.
func (c *Cache) mutateLists(ctx context.Context, op string, compute func(p domain.Profile) (map[string]any, error)) error {
	c.mutationMu.Lock()
	defer c.mutationMu.Unlock()

	uid, idToken, err := c.requireSession()
	if err != nil {
		return err
	}

	c.mu.RLock()
	snapshot := c.session.Profile.Clone()
	c.mu.RUnlock()
	if snapshot == nil {
		snapshot = domain.Profile{}
	}

	fields, err := compute(snapshot)
	if err != nil {
		return err
	}
	if len(fields) == 0 {
		return nil
	}

	updated, err := c.store.PatchProfile(ctx, uid, idToken, fields)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.session.UID != uid {
		// The session was replaced while the patch was in flight; the new
		// session's document is canonical.
		c.mu.Unlock()
		return nil
	}
	c.session.Profile = updated
	c.mu.Unlock()

	c.notifier.Publish(Event{Kind: KindProfileDataChanged})
	c.logger.InfoContext(ctx, "profile lists updated",
		slog.String("op", op),
		slog.String("uid", uid),
	)
	return nil
}

func (c *Cache) requireSession() (uid, idToken string, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session.UID == "" {
		return "", "", apperrors.Validation("no authenticated session")
	}
	return c.session.UID, c.session.IDToken, nil
}

// --- Reads ---

// IsAuthenticated reports whether an account is signed in.
func (c *Cache) IsAuthenticated() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.UID != ""
}

// Current returns a copy of the session with a deep-copied profile.
func (c *Cache) Current() domain.Session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.session
	s.Profile = s.Profile.Clone()
	return s
}

// UID returns the signed-in account's uid, or empty.
func (c *Cache) UID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.UID
}

// IDToken returns the current bearer token, or empty.
func (c *Cache) IDToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.IDToken
}

// Email returns the signed-in account's email, or empty.
func (c *Cache) Email() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.Email
}

// DisplayName returns the signed-in account's display name, or empty.
func (c *Cache) DisplayName() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.DisplayName
}

// ProfilePicturePath returns the local path of the account's picture, or
// empty when none was found.
func (c *Cache) ProfilePicturePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.ProfilePicturePath
}

// IsGoogleSignIn reports whether the session came from the browser flow.
func (c *Cache) IsGoogleSignIn() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.GoogleSignIn
}

// ProfileData returns a deep copy of the cached profile document.
func (c *Cache) ProfileData() domain.Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.Profile.Clone()
}

// ListsForMovie returns the names of every list containing the movie.
func (c *Cache) ListsForMovie(movieID int64) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.Profile.ListsForMovie(movieID)
}

// IsMovieInList reports whether the movie is in the named list.
func (c *Cache) IsMovieInList(movieID int64, listName string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.Profile.IsMovieInList(movieID, listName)
}

// AllListNames returns the list names, optionally filtered to built-in or
// user-created lists.
func (c *Cache) AllListNames(includePredefined, includeCustom bool) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session.Profile.AllListNames(includePredefined, includeCustom)
}

// --- Helpers ---

// listField folds the new ids for a list back into the patchable top-level
// field: predefined lists are fields of their own, custom lists all live
// under the customLists map.
func listField(p domain.Profile, name string, ids []int64) (string, any) {
	if domain.IsPredefinedList(name) {
		return name, domain.IDsToValues(ids)
	}
	custom := customLists(p)
	custom[name] = domain.IDsToValues(ids)
	return domain.FieldCustomLists, custom
}

func customLists(p domain.Profile) map[string]any {
	custom, _ := p[domain.FieldCustomLists].(map[string]any)
	if custom == nil {
		custom = map[string]any{}
		p[domain.FieldCustomLists] = custom
	}
	return custom
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func removeID(ids []int64, id int64) []int64 {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// discoverProfilePicture probes the application data directory for a
// locally stored picture keyed by uid.
func discoverProfilePicture(dataDir, uid string) string {
	if dataDir == "" || uid == "" {
		return ""
	}
	for _, ext := range []string{"png", "jpg", "jpeg"} {
		path := filepath.Join(dataDir, "profile_pictures", uid+"."+ext)
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path
		}
	}
	return ""
}
