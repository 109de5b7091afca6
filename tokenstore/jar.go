package tokenstore

import (
	"net/http"
	"sync"
	"time"
)

// Jar is the client context a Store reads and writes: browser cookies for HTTP
// requests, a map for tests and background callers.
type Jar interface {
	Get(name string) (string, bool)
	Set(name, value string, maxAge time.Duration)
	Delete(name string)
}

// CookieOptions are the attributes applied to every cookie an HTTPJar writes
type CookieOptions struct {
	Secure bool
	Domain string
}

var _ Jar = (*HTTPJar)(nil)

// HTTPJar reads cookies from the request and writes Set-Cookie headers to the
// response. Writes are staged so later reads in the same request observe them.
type HTTPJar struct {
	w       http.ResponseWriter
	r       *http.Request
	options CookieOptions

	staged map[string]*string // nil value means deleted in this request
	mu     sync.Mutex
}

func NewHTTPJar(w http.ResponseWriter, r *http.Request, options CookieOptions) *HTTPJar {
	return &HTTPJar{
		w:       w,
		r:       r,
		options: options,
		staged:  make(map[string]*string),
	}
}

func (j *HTTPJar) Get(name string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if v, ok := j.staged[name]; ok {
		if v == nil {
			return "", false
		}
		return *v, true
	}

	c, err := j.r.Cookie(name)
	if err != nil || c.Value == "" {
		return "", false
	}
	return c.Value, true
}

func (j *HTTPJar) Set(name, value string, maxAge time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.staged[name] = &value
	http.SetCookie(j.w, j.cookie(name, value, int(maxAge.Seconds())))
}

// Delete always emits an expired cookie, whether or not the client sent one
func (j *HTTPJar) Delete(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.staged[name] = nil
	http.SetCookie(j.w, j.cookie(name, "", -1))
}

func (j *HTTPJar) cookie(name, value string, maxAge int) *http.Cookie {
	c := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   j.options.Domain,
		HttpOnly: true,
		Secure:   j.options.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
	if maxAge < 0 {
		c.Expires = time.Unix(0, 0)
	}
	return c
}

var _ Jar = (*MemoryJar)(nil)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryJar keeps values in process, honouring max age against its clock
type MemoryJar struct {
	entries map[string]memoryEntry
	nowFunc func() time.Time
	mu      sync.RWMutex
}

func NewMemoryJar(nowFunc func() time.Time) *MemoryJar {
	if nowFunc == nil {
		nowFunc = time.Now
	}
	return &MemoryJar{
		entries: make(map[string]memoryEntry),
		nowFunc: nowFunc,
	}
}

func (j *MemoryJar) Get(name string) (string, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	e, ok := j.entries[name]
	if !ok || !j.nowFunc().Before(e.expiresAt) {
		return "", false
	}
	return e.value, true
}

func (j *MemoryJar) Set(name, value string, maxAge time.Duration) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[name] = memoryEntry{value: value, expiresAt: j.nowFunc().Add(maxAge)}
}

func (j *MemoryJar) Delete(name string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.entries, name)
}

// Names lists the live entries, for assertions
func (j *MemoryJar) Names() []string {
	j.mu.RLock()
	defer j.mu.RUnlock()

	now := j.nowFunc()
	names := make([]string, 0, len(j.entries))
	for name, e := range j.entries {
		if now.Before(e.expiresAt) {
			names = append(names, name)
		}
	}
	return names
}
