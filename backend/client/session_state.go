package client

import (
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/adwski/lanmeet/backend/model"
	"github.com/adwski/lanmeet/backend/transfer"
)

const chatHistoryCap = 100

// ChatMessage is one entry of the local chat history.
type ChatMessage struct {
	From    string
	Text    string
	Mode    model.Mode
	Targets []string
	At      time.Time
}

// SessionState is the local view of the session. It survives reconnects
// and is only cleared when the user leaves.
type SessionState struct {
	mx *sync.RWMutex

	chat      []ChatMessage // most recent first
	roster    []string
	media     map[model.MediaKind]bool
	remote    map[string]map[model.MediaKind]bool
	files     []model.FileEntry
	transfers map[string]*transfer.Transfer
}

func NewSessionState() *SessionState {
	s := &SessionState{mx: &sync.RWMutex{}}
	s.reset()
	return s
}

func (s *SessionState) reset() {
	s.chat = make([]ChatMessage, 0, chatHistoryCap)
	s.roster = nil
	s.media = make(map[model.MediaKind]bool)
	s.remote = make(map[string]map[model.MediaKind]bool)
	s.files = nil
	s.transfers = make(map[string]*transfer.Transfer)
}

// Reset drops everything, as after an explicit leave.
func (s *SessionState) Reset() {
	s.mx.Lock()
	s.reset()
	s.mx.Unlock()
}

func (s *SessionState) AddChat(cm ChatMessage) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if len(s.chat) == chatHistoryCap {
		s.chat = s.chat[:chatHistoryCap-1]
	}
	s.chat = slices.Insert(s.chat, 0, cm)
}

// Chat returns the chat history, most recent first.
func (s *SessionState) Chat() []ChatMessage {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return slices.Clone(s.chat)
}

func (s *SessionState) SetRoster(users []string) {
	s.mx.Lock()
	s.roster = slices.Clone(users)
	s.mx.Unlock()
}

func (s *SessionState) AddUser(user string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if !slices.Contains(s.roster, user) {
		s.roster = append(s.roster, user)
	}
}

func (s *SessionState) RemoveUser(user string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.roster = slices.DeleteFunc(s.roster, func(u string) bool { return u == user })
	delete(s.remote, user)
}

func (s *SessionState) Roster() []string {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return slices.Clone(s.roster)
}

// SetMedia records whether the local stream of kind is active.
func (s *SessionState) SetMedia(kind model.MediaKind, active bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if active {
		s.media[kind] = true
		return
	}
	delete(s.media, kind)
}

// ActiveMedia lists the local streams to restore after a reconnect.
func (s *SessionState) ActiveMedia() []model.MediaKind {
	s.mx.RLock()
	defer s.mx.RUnlock()
	out := make([]model.MediaKind, 0, len(s.media))
	for _, kind := range []model.MediaKind{model.MediaAudio, model.MediaVideo, model.MediaScreen} {
		if s.media[kind] {
			out = append(out, kind)
		}
	}
	return out
}

func (s *SessionState) SetRemoteMedia(user string, kind model.MediaKind, active bool) {
	s.mx.Lock()
	defer s.mx.Unlock()
	m, ok := s.remote[user]
	if !ok {
		m = make(map[model.MediaKind]bool)
		s.remote[user] = m
	}
	m[kind] = active
}

func (s *SessionState) RemoteMediaActive(user string, kind model.MediaKind) bool {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.remote[user][kind]
}

func (s *SessionState) SetFiles(files []model.FileEntry) {
	s.mx.Lock()
	s.files = slices.Clone(files)
	s.mx.Unlock()
}

func (s *SessionState) Files() []model.FileEntry {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return slices.Clone(s.files)
}

func (s *SessionState) AddTransfer(t *transfer.Transfer) {
	s.mx.Lock()
	s.transfers[t.FileID()] = t
	s.mx.Unlock()
}

func (s *SessionState) Transfer(fileID string) *transfer.Transfer {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return s.transfers[fileID]
}

// Progress snapshots every unfinished transfer ordered by file id.
func (s *SessionState) Progress() []model.TransferProgress {
	s.mx.RLock()
	out := make([]model.TransferProgress, 0, len(s.transfers))
	for _, t := range s.transfers {
		if !t.State().Terminal() {
			out = append(out, t.Snapshot())
		}
	}
	s.mx.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].FileID < out[j].FileID
	})
	return out
}

// Transfers returns the transfers of direction dir that are not finished.
func (s *SessionState) Transfers(dir transfer.Direction) []*transfer.Transfer {
	s.mx.RLock()
	defer s.mx.RUnlock()
	var out []*transfer.Transfer
	for _, t := range s.transfers {
		if t.Direction() == dir && !t.State().Terminal() {
			out = append(out, t)
		}
	}
	return out
}
