// Package prefs persists small user preferences (app mode, auto-sync, last
// sync time, favorite groups) in the shared key-value store.
//
// Both stores read through to the underlying store on every access instead
// of holding an in-memory copy, so any number of independently constructed
// instances over the same store stay consistent; change subscription on the
// keys is available via the store itself.
package prefs

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/timetab/timetab/kvstore"
)

// Persisted state keys.
const (
	SettingsKey  = "app-settings"
	FavoritesKey = "favorites"
)

// Mode is the application connectivity mode.
type Mode string

const (
	ModeOnline  Mode = "online"
	ModeOffline Mode = "offline"
)

// AppSettings is the persisted settings document.
type AppSettings struct {
	Mode     Mode `json:"mode"`
	AutoSync bool `json:"auto_sync"`
	// LastSync is milliseconds since the epoch; zero means never synced.
	LastSync int64 `json:"last_sync,omitempty"`
}

func defaultSettings() AppSettings {
	return AppSettings{Mode: ModeOnline, AutoSync: true}
}

// Settings reads and writes the app-settings document.
type Settings struct {
	kv *kvstore.Store
	mu sync.Mutex // serializes read-modify-write updates
}

// NewSettings creates a Settings store.
func NewSettings(kv *kvstore.Store) *Settings {
	return &Settings{kv: kv}
}

// Get returns the stored settings, or defaults when nothing is stored yet.
func (s *Settings) Get(ctx context.Context) AppSettings {
	set := defaultSettings()
	ok, err := s.kv.GetJSON(ctx, SettingsKey, &set)
	if err != nil || !ok {
		return defaultSettings()
	}
	if set.Mode != ModeOnline && set.Mode != ModeOffline {
		set.Mode = ModeOnline
	}
	return set
}

// SetMode stores the connectivity mode.
func (s *Settings) SetMode(ctx context.Context, mode Mode) error {
	return s.update(ctx, func(set *AppSettings) { set.Mode = mode })
}

// ToggleMode flips online/offline and returns the new mode.
func (s *Settings) ToggleMode(ctx context.Context) (Mode, error) {
	var next Mode
	err := s.update(ctx, func(set *AppSettings) {
		if set.Mode == ModeOnline {
			set.Mode = ModeOffline
		} else {
			set.Mode = ModeOnline
		}
		next = set.Mode
	})
	return next, err
}

// SetAutoSync stores the auto-sync flag.
func (s *Settings) SetAutoSync(ctx context.Context, enabled bool) error {
	return s.update(ctx, func(set *AppSettings) { set.AutoSync = enabled })
}

// UpdateLastSync records the time of the last successful sync.
func (s *Settings) UpdateLastSync(ctx context.Context, t time.Time) error {
	return s.update(ctx, func(set *AppSettings) { set.LastSync = t.UnixMilli() })
}

// OfflineMode reports whether offline mode is active.
func (s *Settings) OfflineMode(ctx context.Context) bool {
	return s.Get(ctx).Mode == ModeOffline
}

// AutoSyncEnabled reports whether auto-sync is on.
func (s *Settings) AutoSyncEnabled(ctx context.Context) bool {
	return s.Get(ctx).AutoSync
}

// LastSync returns the last successful sync time, or the zero time.
func (s *Settings) LastSync(ctx context.Context) time.Time {
	ms := s.Get(ctx).LastSync
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

func (s *Settings) update(ctx context.Context, fn func(*AppSettings)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := s.Get(ctx)
	fn(&set)
	if err := s.kv.SetJSON(ctx, SettingsKey, set); err != nil {
		return fmt.Errorf("prefs: save settings: %w", err)
	}
	return nil
}

// FavoritesState is the persisted favorites document.
type FavoritesState struct {
	Groups        []string `json:"favorite_groups"`
	DefaultCourse string   `json:"default_course,omitempty"`
}

// Favorites reads and writes the favorites document.
type Favorites struct {
	kv *kvstore.Store
	mu sync.Mutex
}

// NewFavorites creates a Favorites store.
func NewFavorites(kv *kvstore.Store) *Favorites {
	return &Favorites{kv: kv}
}

// Get returns the stored favorites, empty when nothing is stored yet.
func (f *Favorites) Get(ctx context.Context) FavoritesState {
	var state FavoritesState
	if _, err := f.kv.GetJSON(ctx, FavoritesKey, &state); err != nil {
		return FavoritesState{}
	}
	return state
}

// Add marks a group as favorite. Adding an already-favorite group is a
// no-op.
func (f *Favorites) Add(ctx context.Context, groupID string) error {
	return f.update(ctx, func(state *FavoritesState) {
		for _, id := range state.Groups {
			if id == groupID {
				return
			}
		}
		state.Groups = append(state.Groups, groupID)
	})
}

// Remove unmarks a group.
func (f *Favorites) Remove(ctx context.Context, groupID string) error {
	return f.update(ctx, func(state *FavoritesState) {
		kept := state.Groups[:0]
		for _, id := range state.Groups {
			if id != groupID {
				kept = append(kept, id)
			}
		}
		state.Groups = kept
	})
}

// Contains reports whether a group is favorite.
func (f *Favorites) Contains(ctx context.Context, groupID string) bool {
	for _, id := range f.Get(ctx).Groups {
		if id == groupID {
			return true
		}
	}
	return false
}

// SetDefaultCourse stores the default course key; empty clears it.
func (f *Favorites) SetDefaultCourse(ctx context.Context, courseKey string) error {
	return f.update(ctx, func(state *FavoritesState) { state.DefaultCourse = courseKey })
}

func (f *Favorites) update(ctx context.Context, fn func(*FavoritesState)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state := f.Get(ctx)
	fn(&state)
	if err := f.kv.SetJSON(ctx, FavoritesKey, state); err != nil {
		return fmt.Errorf("prefs: save favorites: %w", err)
	}
	return nil
}
