// Package platform defines the collaborators the usage manager consumes
// (identity, app state, hardware switches, consent dialogs) and an
// in-memory Registry implementing all of them.
package platform

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/developingchet/privacy-record/internal/permission"
)

// App is the identity and current state of one installed app.
type App struct {
	ID         uint32            `json:"appId"`
	BundleName string            `json:"bundleName"`
	DeviceID   string            `json:"deviceId"`
	Status     permission.Status `json:"status"`
}

// IdentityResolver answers app identity questions.
type IdentityResolver interface {
	IsValidAppID(appID uint32) bool
	AppIdentity(appID uint32) (App, bool)
	AppIDByBundle(bundleName string) (uint32, bool)
}

// AppStateSource reports whether an app is in the foreground.
type AppStateSource interface {
	AppStatus(appID uint32) permission.Status
}

// SwitchSource reports global hardware mute switches.
type SwitchSource interface {
	IsMuted(r permission.Resource) bool
}

// DialogTrigger launches the global-switch consent flow.
type DialogTrigger interface {
	ShowGlobalDialog(r permission.Resource) error
}

// Listener receives state events.
type Listener interface {
	NotifyAppStateChange(appID uint32, status permission.Status)
	NotifyMuteChanged(r permission.Resource, muted bool)
	NotifyFloatWindowChanged(appID uint32, visible bool)
}

// Registry is an in-memory platform. Events are forwarded to the listener
// outside the registry lock.
type Registry struct {
	log zerolog.Logger

	mu          sync.RWMutex
	apps        map[uint32]App
	muted       map[permission.Resource]bool
	listener    Listener
	dialogErr   error
	dialogCount int
}

// NewRegistry returns an empty Registry with no app and both switches on.
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:   log.With().Str("component", "platform").Logger(),
		apps:  make(map[uint32]App),
		muted: make(map[permission.Resource]bool),
	}
}

// SetListener installs the event listener.
func (r *Registry) SetListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listener = l
}

// PutApp adds or replaces an app. An app with no status is background.
func (r *Registry) PutApp(app App) {
	if app.Status != permission.Foreground {
		app.Status = permission.Background
	}
	r.mu.Lock()
	r.apps[app.ID] = app
	r.mu.Unlock()
}

// Apps returns every known app ordered by id.
func (r *Registry) Apps() []App {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]App, 0, len(r.apps))
	for _, a := range r.apps {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) IsValidAppID(appID uint32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.apps[appID]
	return ok
}

func (r *Registry) AppIdentity(appID uint32) (App, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.apps[appID]
	return a, ok
}

func (r *Registry) AppIDByBundle(bundleName string) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, a := range r.apps {
		if a.BundleName == bundleName {
			return id, true
		}
	}
	return 0, false
}

func (r *Registry) AppStatus(appID uint32) permission.Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.apps[appID]; ok {
		return a.Status
	}
	return permission.Background
}

func (r *Registry) IsMuted(res permission.Resource) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.muted[res]
}

// SetAppState records a foreground/background transition and forwards it.
func (r *Registry) SetAppState(appID uint32, status permission.Status) error {
	if status != permission.Foreground && status != permission.Background {
		return permission.ErrParamInvalid
	}
	r.mu.Lock()
	a, ok := r.apps[appID]
	if !ok {
		r.mu.Unlock()
		return permission.ErrTokenIDNotExist
	}
	changed := a.Status != status
	a.Status = status
	r.apps[appID] = a
	l := r.listener
	r.mu.Unlock()

	if changed && l != nil {
		l.NotifyAppStateChange(appID, status)
	}
	return nil
}

// SetMuted flips a global switch and forwards the change.
func (r *Registry) SetMuted(res permission.Resource, muted bool) error {
	if res != permission.ResourceCamera && res != permission.ResourceMicrophone {
		return permission.ErrParamInvalid
	}
	r.mu.Lock()
	changed := r.muted[res] != muted
	r.muted[res] = muted
	l := r.listener
	r.mu.Unlock()

	if changed && l != nil {
		l.NotifyMuteChanged(res, muted)
	}
	return nil
}

// SetFloatWindow forwards a camera float-window visibility change.
func (r *Registry) SetFloatWindow(appID uint32, visible bool) error {
	r.mu.RLock()
	_, ok := r.apps[appID]
	l := r.listener
	r.mu.RUnlock()
	if !ok {
		return permission.ErrTokenIDNotExist
	}
	if l != nil {
		l.NotifyFloatWindowChanged(appID, visible)
	}
	return nil
}

// SetDialogError makes ShowGlobalDialog fail with err until cleared with nil.
func (r *Registry) SetDialogError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialogErr = err
}

// ShowGlobalDialog records a consent-flow launch for res.
func (r *Registry) ShowGlobalDialog(res permission.Resource) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dialogErr != nil {
		return r.dialogErr
	}
	r.dialogCount++
	r.log.Info().Str("resource", string(res)).Msg("global switch dialog requested")
	return nil
}

// DialogCount returns how many dialogs were launched.
func (r *Registry) DialogCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dialogCount
}
