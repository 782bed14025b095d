// Package gatewaytest provides an in-memory WebHDFS gateway for tests.
package gatewaytest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path"
	"sort"
	"strings"
	"sync"
	"time"
)

const prefix = "/webhdfs/v1"

type node struct {
	dir   bool
	data  []byte
	mtime time.Time
}

// Server is a WebHDFS fake. Configure the exported hooks before issuing
// requests; they are read under the server lock.
type Server struct {
	*httptest.Server

	mu    sync.Mutex
	nodes map[string]*node
	clock time.Time
	log   []string
	puts  map[string]int

	// User, when set, is required as user.name on every request.
	User string
	// Authorize, when set, decides whether a request is authenticated.
	Authorize func(r *http.Request) bool
	// ExistsException answers MKDIRS on an existing directory with a
	// FileAlreadyExistsException instead of {"boolean":true}.
	ExistsException bool
	// Legacy500 answers an empty CREATE with 500 and accepts the payload
	// on the same URL, like older HttpFS releases.
	Legacy500 bool
	// FailCreate returns a non-zero status to fail the payload PUT of p.
	FailCreate func(p string) int
	// FailMkdirs returns a non-zero status to fail MKDIRS of p.
	FailMkdirs func(p string) int
	// CorruptList makes LISTSTATUS of p return an undecodable body.
	CorruptList func(p string) bool
	// FailProbe returns a non-zero status for GETHOMEDIRECTORY.
	FailProbe func() int
}

// New starts a fake gateway with an empty root directory.
func New() *Server {
	s := &Server{
		nodes: map[string]*node{"/": {dir: true}},
		clock: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		puts:  map[string]int{},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// tick returns a strictly increasing modification time.
func (s *Server) tick() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

// Seed stores a file with an explicit modification time, creating parents.
func (s *Server) Seed(p string, data []byte, mtime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mkdirAll(path.Dir(p))
	s.nodes[p] = &node{data: append([]byte(nil), data...), mtime: mtime}
}

// File returns the content of p and whether it exists as a file.
func (s *Server) File(p string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[p]
	if !ok || n.dir {
		return nil, false
	}
	return append([]byte(nil), n.data...), true
}

// IsDir reports whether p exists as a directory.
func (s *Server) IsDir(p string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[p]
	return ok && n.dir
}

// Files returns every file path, sorted.
func (s *Server) Files() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for p, n := range s.nodes {
		if !n.dir {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Requests returns "METHOD OP path" for every request served so far.
func (s *Server) Requests() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.log...)
}

// CountRequests counts served requests with the given op, optionally only
// for path p.
func (s *Server) CountRequests(op, p string) int {
	n := 0
	for _, r := range s.Requests() {
		parts := strings.SplitN(r, " ", 3)
		if parts[1] == op && (p == "" || parts[2] == p) {
			n++
		}
	}
	return n
}

// PayloadPuts returns how many payload PUTs were received for p.
func (s *Server) PayloadPuts(p string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts[p]
}

func (s *Server) mkdirAll(p string) {
	for cur := path.Clean(p); ; cur = path.Dir(cur) {
		if _, ok := s.nodes[cur]; !ok {
			s.nodes[cur] = &node{dir: true, mtime: s.tick()}
		}
		if cur == "/" {
			return
		}
	}
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if !strings.HasPrefix(r.URL.Path, prefix) {
		http.NotFound(w, r)
		return
	}
	p := path.Clean("/" + strings.TrimPrefix(r.URL.Path, prefix))
	q := r.URL.Query()
	op := strings.ToUpper(q.Get("op"))

	s.mu.Lock()
	defer s.mu.Unlock()
	s.log = append(s.log, fmt.Sprintf("%s %s %s", r.Method, op, p))

	if s.User != "" && q.Get("user.name") != s.User {
		remoteError(w, http.StatusUnauthorized, "AuthenticationException", "missing or wrong user.name")
		return
	}
	if s.Authorize != nil && !s.Authorize(r) {
		w.Header().Set("WWW-Authenticate", "Negotiate")
		remoteError(w, http.StatusUnauthorized, "AuthenticationException", "unauthenticated")
		return
	}

	switch op {
	case "GETHOMEDIRECTORY":
		if s.FailProbe != nil {
			if code := s.FailProbe(); code != 0 {
				remoteError(w, code, "IOException", "probe failed")
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"Path": "/user/" + q.Get("user.name")})
	case "MKDIRS":
		s.handleMkdirs(w, p)
	case "LISTSTATUS":
		s.handleList(w, p)
	case "CREATE":
		s.handleCreate(w, r, p)
	case "OPEN":
		s.handleOpen(w, r, p)
	default:
		remoteError(w, http.StatusBadRequest, "IllegalArgumentException", "unsupported op "+op)
	}
}

func (s *Server) handleMkdirs(w http.ResponseWriter, p string) {
	if s.FailMkdirs != nil {
		if code := s.FailMkdirs(p); code != 0 {
			remoteError(w, code, "IOException", "mkdirs failed")
			return
		}
	}
	if n, ok := s.nodes[p]; ok {
		if !n.dir {
			remoteError(w, http.StatusForbidden, "ParentNotDirectoryException", p+" is a file")
			return
		}
		if s.ExistsException {
			remoteError(w, http.StatusForbidden, "FileAlreadyExistsException", p+" already exists")
			return
		}
	}
	s.mkdirAll(p)
	writeJSON(w, http.StatusOK, map[string]bool{"boolean": true})
}

func (s *Server) handleList(w http.ResponseWriter, p string) {
	n, ok := s.nodes[p]
	if !ok {
		remoteError(w, http.StatusNotFound, "FileNotFoundException", "File "+p+" does not exist.")
		return
	}
	if s.CorruptList != nil && s.CorruptList(p) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"FileStatuses":{"FileStatus":[{"pathSuffix":`)
		return
	}

	type status struct {
		PathSuffix       string `json:"pathSuffix"`
		Type             string `json:"type"`
		Length           int64  `json:"length"`
		ModificationTime int64  `json:"modificationTime"`
	}
	statuses := []status{}
	if !n.dir {
		statuses = append(statuses, status{Type: "FILE", Length: int64(len(n.data)), ModificationTime: n.mtime.UnixMilli()})
	} else {
		for child, cn := range s.nodes {
			if child == p || path.Dir(child) != p {
				continue
			}
			st := status{PathSuffix: path.Base(child), Type: "FILE", Length: int64(len(cn.data)), ModificationTime: cn.mtime.UnixMilli()}
			if cn.dir {
				st.Type = "DIRECTORY"
				st.Length = 0
			}
			statuses = append(statuses, st)
		}
		sort.Slice(statuses, func(i, j int) bool { return statuses[i].PathSuffix < statuses[j].PathSuffix })
	}
	writeJSON(w, http.StatusOK, map[string]any{"FileStatuses": map[string]any{"FileStatus": statuses}})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request, p string) {
	if r.Method != http.MethodPut {
		remoteError(w, http.StatusBadRequest, "IllegalArgumentException", "CREATE requires PUT")
		return
	}
	if n, ok := s.nodes[p]; ok && n.dir {
		remoteError(w, http.StatusForbidden, "FileAlreadyExistsException", p+" is a directory")
		return
	}
	q := r.URL.Query()
	body, _ := io.ReadAll(r.Body)

	if q.Get("data") != "true" {
		if s.Legacy500 {
			// only the payload PUT carries a content type
			if r.Header.Get("Content-Type") != "application/octet-stream" {
				remoteError(w, http.StatusInternalServerError, "IOException", "no data")
				return
			}
			s.storePayload(w, p, body)
			return
		}
		q.Set("data", "true")
		loc := *r.URL
		loc.RawQuery = q.Encode()
		w.Header().Set("Location", s.URL+loc.RequestURI())
		w.WriteHeader(http.StatusTemporaryRedirect)
		return
	}
	s.storePayload(w, p, body)
}

func (s *Server) storePayload(w http.ResponseWriter, p string, body []byte) {
	s.puts[p]++
	if s.FailCreate != nil {
		if code := s.FailCreate(p); code != 0 {
			remoteError(w, code, "IOException", "create failed")
			return
		}
	}
	s.mkdirAll(path.Dir(p))
	s.nodes[p] = &node{data: body, mtime: s.tick()}
	w.Header().Set("Location", "webhdfs://fake"+p)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request, p string) {
	n, ok := s.nodes[p]
	if !ok || n.dir {
		remoteError(w, http.StatusNotFound, "FileNotFoundException", "File "+p+" does not exist.")
		return
	}
	q := r.URL.Query()
	if q.Get("data") != "true" {
		q.Set("data", "true")
		loc := *r.URL
		loc.RawQuery = q.Encode()
		w.Header().Set("Location", s.URL+loc.RequestURI())
		w.WriteHeader(http.StatusTemporaryRedirect)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(n.data)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func remoteError(w http.ResponseWriter, status int, exception, msg string) {
	writeJSON(w, status, map[string]any{
		"RemoteException": map[string]string{
			"exception":     exception,
			"javaClassName": "org.apache.hadoop." + exception,
			"message":       msg,
		},
	})
}
