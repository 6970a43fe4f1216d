package client

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/ehr/broker/internal/platform/apiclient"
	"github.com/ehr/broker/internal/platform/events"
)

const sessionEventLimit = 200

// Demographics identify the patient a session acts for.
type Demographics struct {
	Name      string `json:"name"`
	BirthDate string `json:"birthDate"`
}

// Key is the session key "name|birthDate".
func (d Demographics) Key() string {
	return d.Name + "|" + d.BirthDate
}

type IdentityProof struct {
	Verified bool     `json:"verified"`
	Name     string   `json:"name"`
	Steps    []string `json:"steps"`
}

type SessionToken struct {
	AccessToken string `json:"access_token"`
	Patient     string `json:"patient"`
}

type ReceivedNotification struct {
	ReceivedAt time.Time       `json:"receivedAt"`
	Bundle     json.RawMessage `json:"bundle"`
}

// Session is the client's state for one patient. Fields other than events
// are guarded by the owning SessionStore.
type Session struct {
	key              string
	patient          Demographics
	identity         *IdentityProof
	permissionTicket string
	clientAssertion  string
	token            *SessionToken
	subscriptions    []apiclient.Subscription
	notifications    []ReceivedNotification
	encounters       []json.RawMessage
	lastError        string
	events           *events.Recorder
}

// View is a copy of a Session safe to serialize.
type View struct {
	PatientKey       string                   `json:"patientKey"`
	Patient          Demographics             `json:"patient"`
	Identity         *IdentityProof           `json:"identity,omitempty"`
	PermissionTicket string                   `json:"permissionTicket,omitempty"`
	ClientAssertion  string                   `json:"clientAssertion,omitempty"`
	Token            *SessionToken            `json:"token,omitempty"`
	Subscriptions    []apiclient.Subscription `json:"subscriptions"`
	Notifications    []ReceivedNotification   `json:"notifications"`
	Encounters       []json.RawMessage        `json:"encounters"`
	Events           []events.Event           `json:"events"`
	Error            string                   `json:"error,omitempty"`
}

// Summary is the short form listed when no session is selected.
type Summary struct {
	PatientKey        string       `json:"patientKey"`
	Patient           Demographics `json:"patient"`
	HasToken          bool         `json:"hasToken"`
	SubscriptionCount int          `json:"subscriptionCount"`
	EncounterCount    int          `json:"encounterCount"`
}

// SessionStore holds client sessions keyed by name|birthDate.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	order    []string
}

func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]*Session)}
}

// GetOrCreate returns the session for demo, creating it if needed.
func (s *SessionStore) GetOrCreate(demo Demographics) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := demo.Key()
	if sess, ok := s.sessions[key]; ok {
		return sess
	}
	sess := &Session{
		key:     key,
		patient: demo,
		events:  events.NewRecorder(sessionEventLimit),
	}
	s.sessions[key] = sess
	s.order = append(s.order, key)
	return sess
}

func (s *SessionStore) Get(demo Demographics) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[demo.Key()]
	return sess, ok
}

// FindBySubscription returns the session owning a "Subscription/<id>"
// reference.
func (s *SessionStore) FindBySubscription(ref string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.order {
		sess := s.sessions[key]
		for _, sub := range sess.subscriptions {
			if ref == "Subscription/"+sub.ID {
				return sess, true
			}
		}
	}
	return nil, false
}

// Update runs fn with the store lock held.
func (s *SessionStore) Update(sess *Session, fn func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(sess)
}

func (s *SessionStore) View(sess *Session) View {
	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		PatientKey:       sess.key,
		Patient:          sess.patient,
		PermissionTicket: sess.permissionTicket,
		ClientAssertion:  sess.clientAssertion,
		Subscriptions:    append([]apiclient.Subscription{}, sess.subscriptions...),
		Notifications:    append([]ReceivedNotification{}, sess.notifications...),
		Encounters:       append([]json.RawMessage{}, sess.encounters...),
		Events:           sess.events.All(),
		Error:            sess.lastError,
	}
	if sess.identity != nil {
		id := *sess.identity
		v.Identity = &id
	}
	if sess.token != nil {
		tok := *sess.token
		v.Token = &tok
	}
	return v
}

func (s *SessionStore) Summaries() []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Summary, 0, len(s.order))
	for _, key := range s.order {
		sess := s.sessions[key]
		out = append(out, Summary{
			PatientKey:        sess.key,
			Patient:           sess.patient,
			HasToken:          sess.token != nil,
			SubscriptionCount: len(sess.subscriptions),
			EncounterCount:    len(sess.encounters),
		})
	}
	return out
}
