package auth_test

import (
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-session-gateway/auth"
	"github.com/jrsteele09/go-session-gateway/identity"
	"github.com/jrsteele09/go-session-gateway/identity/fakeidentity"
	"github.com/jrsteele09/go-session-gateway/sessions"
	"github.com/jrsteele09/go-session-gateway/token/jwt"
	"github.com/jrsteele09/go-session-gateway/token/keys"
	"github.com/jrsteele09/go-session-gateway/tokenstore"
	"github.com/jrsteele09/go-session-gateway/users"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "guest@example.com"
	testPassword = "correct-horse"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingScheduler remembers the last lifetime armed per session
type recordingScheduler struct {
	mu        sync.Mutex
	armed     map[string]time.Duration
	cancelled map[string]int
}

func newRecordingScheduler() *recordingScheduler {
	return &recordingScheduler{armed: make(map[string]time.Duration), cancelled: make(map[string]int)}
}

func (r *recordingScheduler) Arm(sessionID string, lifetime time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed[sessionID] = lifetime
}

func (r *recordingScheduler) Cancel(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.armed, sessionID)
	r.cancelled[sessionID]++
}

func (r *recordingScheduler) Armed(sessionID string) (time.Duration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.armed[sessionID]
	return d, ok
}

// testFixture holds all test dependencies
type testFixture struct {
	clock     *clock
	fake      *fakeidentity.Server
	client    *identity.Client
	registry  *sessions.MemoryRegistry
	scheduler *recordingScheduler
	service   *auth.Service
	user      *users.User
}

func setupTestFixture(t *testing.T) *testFixture {
	t.Helper()

	c := &clock{now: time.Now().Truncate(time.Second)}
	fake := fakeidentity.New(keys.NewHMACSigner("auth-test-secret"), fakeidentity.WithNowFunc(c.Now))
	srv := httptest.NewServer(fake.Handler())
	t.Cleanup(srv.Close)

	user, err := fake.AddUser(users.User{Email: testEmail, FirstName: "Ada", LastName: "Lovelace"}, testPassword)
	require.NoError(t, err)

	client := identity.NewClient(srv.URL, identity.WithTimeout(5*time.Second))
	validator := jwt.NewValidator(fake.Verifier(), jwt.WithBlacklist(client), jwt.WithNowFunc(c.Now))
	registry := sessions.NewMemoryRegistry(sessions.WithNowFunc(c.Now))
	scheduler := newRecordingScheduler()

	service := auth.NewService(client, registry, validator,
		auth.WithScheduler(scheduler),
		auth.WithNowFunc(c.Now),
	)

	return &testFixture{
		clock:     c,
		fake:      fake,
		client:    client,
		registry:  registry,
		scheduler: scheduler,
		service:   service,
		user:      user,
	}
}

// newStore is a client whose cookies age with the fixture clock
func (f *testFixture) newStore() (*tokenstore.Store, *tokenstore.MemoryJar) {
	jar := tokenstore.NewMemoryJar(f.clock.Now)
	return tokenstore.New(jar, tokenstore.DefaultMaxAges), jar
}
