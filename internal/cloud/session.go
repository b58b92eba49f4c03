package cloud

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"xsense-go-home/internal/sigv4"
	"xsense-go-home/internal/srp"
)

// RefreshMargin is how long before expiry a token counts as expired.
const RefreshMargin = 60 * time.Second

// Credentials are the identity-provider bootstrap parameters.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Region       string
	UserPoolID   string
}

// Session is the authenticated user-pool session.
type Session struct {
	Username          string
	UserID            string
	AccessToken       string
	RefreshToken      string
	AccessTokenExpiry time.Time
}

// DelegatedCredentials sign telemetry calls. They expire independently of
// the access token.
type DelegatedCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiry          time.Time
}

// Signing returns the credentials in signer form.
func (d DelegatedCredentials) Signing() sigv4.Credentials {
	return sigv4.Credentials{AccessKeyID: d.AccessKeyID, SecretAccessKey: d.SecretAccessKey, SessionToken: d.SessionToken}
}

// State is the session life-cycle state.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateRefreshingToken
	StateRefreshingDelegated
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshingToken:
		return "refreshing_token"
	case StateRefreshingDelegated:
		return "refreshing_delegated_credentials"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithHTTPClient replaces the default 5s-timeout client.
func WithHTTPClient(c Doer) SessionOption {
	return func(m *SessionManager) { m.http = c }
}

// WithEndpoints overrides the cloud endpoints.
func WithEndpoints(e Endpoints) SessionOption {
	return func(m *SessionManager) { m.endpoints = e }
}

// WithClock sets the clock used for expiry checks.
func WithClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) SessionOption {
	return func(m *SessionManager) { m.logger = l }
}

// WithRandom sets the entropy source for SRP ephemerals.
func WithRandom(r io.Reader) SessionOption {
	return func(m *SessionManager) { m.random = r }
}

// SessionManager owns credentials, the user-pool session and the delegated
// telemetry credentials.
type SessionManager struct {
	http      Doer
	endpoints Endpoints
	logger    *slog.Logger
	now       func() time.Time
	random    io.Reader

	op     sync.Mutex // serializes login and refresh
	flight singleflight.Group

	mu        sync.RWMutex
	state     State
	creds     Credentials
	session   Session
	delegated DelegatedCredentials
}

// NewSessionManager returns an unauthenticated manager.
func NewSessionManager(opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		http:      &http.Client{Timeout: DefaultTimeout},
		endpoints: DefaultEndpoints(),
		logger:    slog.Default(),
		now:       time.Now,
		random:    rand.Reader,
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "session")
	return m
}

// Login bootstraps, runs the SRP exchange and fetches delegated
// credentials. A failure before the session is established leaves any
// previous session untouched.
func (m *SessionManager) Login(ctx context.Context, username, password string) error {
	m.op.Lock()
	defer m.op.Unlock()

	prev := m.setState(StateAuthenticating)
	creds, err := m.bootstrap(ctx)
	if err != nil {
		m.setState(prev)
		return err
	}

	client, err := srp.NewClient(creds.UserPoolID, creds.ClientID, creds.ClientSecret,
		srp.WithRandom(m.random), srp.WithClock(m.now))
	if err != nil {
		m.setState(prev)
		return wrap(KindAuthentication, "login", err)
	}
	idp := &identityProvider{client: m.http, url: m.endpoints.Identity(creds.Region)}
	res, userID, err := idp.loginSRP(ctx, client, creds, username, password)
	if err != nil {
		m.setState(prev)
		return as(KindAuthentication, "login", err)
	}

	sess := Session{
		Username:          username,
		UserID:            userID,
		AccessToken:       res.AccessToken,
		RefreshToken:      res.RefreshToken,
		AccessTokenExpiry: m.now().Add(time.Duration(res.ExpiresIn) * time.Second),
	}
	m.mu.Lock()
	m.creds = creds
	m.session = sess
	m.delegated = DelegatedCredentials{}
	m.state = StateAuthenticated
	m.mu.Unlock()
	m.logger.Info("logged in", "region", creds.Region, "expires", sess.AccessTokenExpiry.Format(time.RFC3339))

	return m.refreshDelegated(ctx, creds, sess)
}

func (m *SessionManager) bootstrap(ctx context.Context) (Credentials, error) {
	api := &appAPI{client: m.http, url: m.endpoints.API}
	var boot bootstrapData
	if err := api.call(ctx, bizBootstrap, nil, "", "", &boot); err != nil {
		return Credentials{}, wrap(KindBootstrap, "login", err)
	}
	if boot.ClientID == "" || boot.ClientSecret == "" || boot.Region == "" || boot.UserPoolID == "" {
		return Credentials{}, newError(KindBootstrap, "login", nil, "incomplete bootstrap response")
	}
	secret, err := decodeClientSecret(boot.ClientSecret)
	if err != nil {
		return Credentials{}, wrap(KindBootstrap, "login", err)
	}
	return Credentials{
		ClientID:     boot.ClientID,
		ClientSecret: secret,
		Region:       boot.Region,
		UserPoolID:   boot.UserPoolID,
	}, nil
}

// EnsureReady refreshes the access token and delegated credentials when
// they are missing or within RefreshMargin of expiry. Concurrent callers
// share one refresh.
func (m *SessionManager) EnsureReady(ctx context.Context) error {
	_, err, _ := m.flight.Do("ensure", func() (any, error) {
		return nil, m.ensure(ctx)
	})
	return err
}

func (m *SessionManager) ensure(ctx context.Context) error {
	m.op.Lock()
	defer m.op.Unlock()

	m.mu.RLock()
	creds, sess, del := m.creds, m.session, m.delegated
	m.mu.RUnlock()

	if sess.AccessToken == "" && sess.RefreshToken == "" {
		return newError(KindRefresh, "ensure ready", nil, "not logged in")
	}

	now := m.now()
	if sess.AccessToken == "" || expiring(sess.AccessTokenExpiry, now) {
		if sess.RefreshToken == "" {
			return newError(KindRefresh, "ensure ready", nil, "access token expired and no refresh token; login required")
		}
		prev := m.setState(StateRefreshingToken)
		idp := &identityProvider{client: m.http, url: m.endpoints.Identity(creds.Region)}
		res, err := idp.refresh(ctx, creds, sess.secretHashUser(), sess.RefreshToken)
		if err != nil {
			m.setState(prev)
			return as(KindRefresh, "refresh token", err)
		}
		sess.AccessToken = res.AccessToken
		sess.AccessTokenExpiry = m.now().Add(time.Duration(res.ExpiresIn) * time.Second)
		if res.RefreshToken != "" {
			sess.RefreshToken = res.RefreshToken
		}
		m.mu.Lock()
		m.session = sess
		m.state = StateAuthenticated
		m.mu.Unlock()
		m.logger.Debug("access token refreshed", "expires", sess.AccessTokenExpiry.Format(time.RFC3339))
	}

	if del.AccessKeyID == "" || expiring(del.Expiry, now) {
		return m.refreshDelegated(ctx, creds, sess)
	}
	return nil
}

func (m *SessionManager) refreshDelegated(ctx context.Context, creds Credentials, sess Session) error {
	prev := m.setState(StateRefreshingDelegated)
	api := &appAPI{client: m.http, url: m.endpoints.API}
	var cd credentialsData
	err := api.call(ctx, bizCredentials, []field{{"userName", sess.Username}}, creds.ClientSecret, sess.AccessToken, &cd)
	if err != nil {
		m.setState(prev)
		return wrap(KindRefresh, "delegated credentials", err)
	}
	if cd.AccessKeyID == "" || cd.SecretAccessKey == "" || cd.SessionToken == "" {
		m.setState(prev)
		return newError(KindRefresh, "delegated credentials", nil, "incomplete credentials")
	}
	exp, err := time.Parse(time.RFC3339, cd.Expiration)
	if err != nil {
		m.setState(prev)
		return newError(KindRefresh, "delegated credentials", err, "bad expiration %q", cd.Expiration)
	}

	m.mu.Lock()
	m.delegated = DelegatedCredentials{
		AccessKeyID:     cd.AccessKeyID,
		SecretAccessKey: cd.SecretAccessKey,
		SessionToken:    cd.SessionToken,
		Expiry:          exp,
	}
	m.state = StateAuthenticated
	m.mu.Unlock()
	m.logger.Debug("delegated credentials refreshed", "expires", exp.Format(time.RFC3339))
	return nil
}

// appCall performs an authenticated application API call.
func (m *SessionManager) appCall(ctx context.Context, bizCode string, payload []field, out any) error {
	m.mu.RLock()
	secret, token := m.creds.ClientSecret, m.session.AccessToken
	m.mu.RUnlock()
	if secret == "" || token == "" {
		return newError(KindRefresh, "api "+bizCode, nil, "not logged in")
	}
	api := &appAPI{client: m.http, url: m.endpoints.API}
	return api.call(ctx, bizCode, payload, secret, token, out)
}

// State returns the current life-cycle state.
func (m *SessionManager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Session returns a copy of the current session.
func (m *SessionManager) Session() Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.session
}

// Credentials returns a copy of the bootstrap credentials.
func (m *SessionManager) Credentials() Credentials {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds
}

// Delegated returns a copy of the delegated credentials.
func (m *SessionManager) Delegated() DelegatedCredentials {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.delegated
}

// Region returns the bootstrap region, or "" before login.
func (m *SessionManager) Region() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.creds.Region
}

// ActingUser is the id written into desired-state documents.
func (m *SessionManager) ActingUser() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session.UserID != "" {
		return m.session.UserID
	}
	return m.session.Username
}

func (m *SessionManager) setState(s State) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state
	m.state = s
	return prev
}

// secretHashUser is the username the provider expects in SECRET_HASH.
func (s Session) secretHashUser() string {
	if s.UserID != "" {
		return s.UserID
	}
	return s.Username
}

func expiring(exp, now time.Time) bool {
	return exp.IsZero() || exp.Before(now.Add(RefreshMargin))
}

// as returns err unchanged when it already has kind, else wraps it.
func as(kind Kind, op string, err error) error {
	if KindOf(err) == kind {
		return err
	}
	return wrap(kind, op, err)
}

// PersistedSession is the serialized session blob.
type PersistedSession struct {
	Username          string `json:"username"`
	UserID            string `json:"userId,omitempty"`
	AccessToken       string `json:"accessToken,omitempty"`
	RefreshToken      string `json:"refreshToken,omitempty"`
	AccessTokenExpiry string `json:"accessTokenExpiry,omitempty"`
	ClientID          string `json:"clientId,omitempty"`
	ClientSecret      string `json:"clientSecret,omitempty"` // base64
	UserPoolID        string `json:"userPoolId,omitempty"`
	Region            string `json:"region,omitempty"`
	AWSAccessKey      string `json:"awsAccessKey,omitempty"`
	AWSSecretKey      string `json:"awsSecretKey,omitempty"`
	AWSSessionToken   string `json:"awsSessionToken,omitempty"`
	AWSExpiry         string `json:"awsExpiry,omitempty"`
}

// Export snapshots the session for persistence.
func (m *SessionManager) Export() PersistedSession {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p := PersistedSession{
		Username:          m.session.Username,
		UserID:            m.session.UserID,
		AccessToken:       m.session.AccessToken,
		RefreshToken:      m.session.RefreshToken,
		AccessTokenExpiry: formatTime(m.session.AccessTokenExpiry),
		ClientID:          m.creds.ClientID,
		UserPoolID:        m.creds.UserPoolID,
		Region:            m.creds.Region,
		AWSAccessKey:      m.delegated.AccessKeyID,
		AWSSecretKey:      m.delegated.SecretAccessKey,
		AWSSessionToken:   m.delegated.SessionToken,
		AWSExpiry:         formatTime(m.delegated.Expiry),
	}
	if m.creds.ClientSecret != "" {
		p.ClientSecret = base64.StdEncoding.EncodeToString([]byte(m.creds.ClientSecret))
	}
	return p
}

// Restore replaces the in-memory state with p.
func (m *SessionManager) Restore(p PersistedSession) error {
	accessExp, err := parseTime(p.AccessTokenExpiry)
	if err != nil {
		return fmt.Errorf("restore session: access token expiry: %w", err)
	}
	awsExp, err := parseTime(p.AWSExpiry)
	if err != nil {
		return fmt.Errorf("restore session: aws expiry: %w", err)
	}
	var secret []byte
	if p.ClientSecret != "" {
		if secret, err = base64.StdEncoding.DecodeString(p.ClientSecret); err != nil {
			return fmt.Errorf("restore session: client secret: %w", err)
		}
	}

	m.op.Lock()
	defer m.op.Unlock()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = Credentials{
		ClientID:     p.ClientID,
		ClientSecret: string(secret),
		Region:       p.Region,
		UserPoolID:   p.UserPoolID,
	}
	m.session = Session{
		Username:          p.Username,
		UserID:            p.UserID,
		AccessToken:       p.AccessToken,
		RefreshToken:      p.RefreshToken,
		AccessTokenExpiry: accessExp,
	}
	m.delegated = DelegatedCredentials{
		AccessKeyID:     p.AWSAccessKey,
		SecretAccessKey: p.AWSSecretKey,
		SessionToken:    p.AWSSessionToken,
		Expiry:          awsExp,
	}
	m.state = StateUnauthenticated
	if p.AccessToken != "" || p.RefreshToken != "" {
		m.state = StateAuthenticated
	}
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, s)
}
