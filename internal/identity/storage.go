package identity

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/coder/quartz"
	"github.com/natefinch/atomic"
	"github.com/valyala/fasthttp"

	jsonpkg "roamii/internal/pkg/json"
)

// FileStorage is a durable Storage persisted as a JSON object in one file.
type FileStorage struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

// OpenFileStorage loads the store at path. A missing file is an empty store;
// an unreadable one starts empty and is replaced on the next write.
func OpenFileStorage(path string) (*FileStorage, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	s := &FileStorage{path: path, values: map[string]string{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s, nil
		}
		return nil, fmt.Errorf("failed to read storage: %w", err)
	}
	if err := jsonpkg.Unmarshal(data, &s.values); err != nil || s.values == nil {
		s.values = map[string]string{}
	}
	return s, nil
}

func (s *FileStorage) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *FileStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	data, err := jsonpkg.MarshalIndent(s.values, "", "  ")
	if err != nil {
		return err
	}
	return atomic.WriteFile(s.path, bytes.NewReader(data))
}

// CookieFile is a CookieJar persisted as one Set-Cookie line per cookie.
// Expired cookies are invisible to Cookie.
type CookieFile struct {
	mu      sync.Mutex
	path    string
	clock   quartz.Clock
	cookies map[string]*fasthttp.Cookie
}

// OpenCookieFile loads the jar at path. Lines that fail to parse are dropped.
func OpenCookieFile(path string, clock quartz.Clock) (*CookieFile, error) {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create cookie directory: %w", err)
	}
	j := &CookieFile{path: path, clock: clock, cookies: map[string]*fasthttp.Cookie{}}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return j, nil
		}
		return nil, fmt.Errorf("failed to read cookies: %w", err)
	}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		c := &fasthttp.Cookie{}
		if err := c.Parse(line); err != nil {
			continue
		}
		j.cookies[string(c.Key())] = c
	}
	return j, nil
}

func (j *CookieFile) Cookie(name string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	c, ok := j.cookies[name]
	if !ok || expired(c, j.clock) {
		return "", false
	}
	return string(c.Value()), true
}

func (j *CookieFile) SetCookie(c *fasthttp.Cookie) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := &fasthttp.Cookie{}
	cp.CopyTo(c)
	j.cookies[string(cp.Key())] = cp

	names := make([]string, 0, len(j.cookies))
	for name := range j.cookies {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, name := range names {
		buf.Write(j.cookies[name].Cookie())
		buf.WriteByte('\n')
	}
	return atomic.WriteFile(j.path, &buf)
}

func expired(c *fasthttp.Cookie, clock quartz.Clock) bool {
	exp := c.Expire()
	return exp != fasthttp.CookieExpireUnlimited && !exp.After(clock.Now())
}

// MemoryStorage is an in-process Storage.
type MemoryStorage struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{values: map[string]string{}}
}

func (s *MemoryStorage) Get(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

func (s *MemoryStorage) Set(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// MemoryJar is an in-process CookieJar. It does not expire cookies.
type MemoryJar struct {
	mu      sync.Mutex
	cookies map[string]*fasthttp.Cookie
}

func NewMemoryJar() *MemoryJar {
	return &MemoryJar{cookies: map[string]*fasthttp.Cookie{}}
}

func (j *MemoryJar) Cookie(name string) (string, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	c, ok := j.cookies[name]
	if !ok {
		return "", false
	}
	return string(c.Value()), true
}

func (j *MemoryJar) SetCookie(c *fasthttp.Cookie) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	cp := &fasthttp.Cookie{}
	cp.CopyTo(c)
	j.cookies[string(cp.Key())] = cp
	return nil
}

// Raw returns a copy of the stored cookie with all its attributes.
func (j *MemoryJar) Raw(name string) (*fasthttp.Cookie, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	c, ok := j.cookies[name]
	if !ok {
		return nil, false
	}
	cp := &fasthttp.Cookie{}
	cp.CopyTo(c)
	return cp, true
}
