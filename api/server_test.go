package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabfab/go-assistant/agent"
	"github.com/fabfab/go-assistant/authz"
	"github.com/fabfab/go-assistant/connections"
	"github.com/fabfab/go-assistant/ingestion"
	"github.com/fabfab/go-assistant/llm"
	"github.com/fabfab/go-assistant/rag"
	"github.com/fabfab/go-assistant/session"
)

const userHeader = "X-Test-User"

type fakeSessions struct {
	flow session.Flow
}

func (f *fakeSessions) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := r.Header.Get(userHeader)
		if user == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"authentication required"}`))
			return
		}
		id := session.Identity{Subject: user, Email: user, AccessToken: "at"}
		next.ServeHTTP(w, r.WithContext(session.WithIdentity(r.Context(), id)))
	})
}

func (f *fakeSessions) LoginURL(_ context.Context, _ http.ResponseWriter, returnTo string) (string, error) {
	return "https://issuer.test/authorize?return=" + returnTo, nil
}

func (f *fakeSessions) CompleteLogin(http.ResponseWriter, *http.Request) (session.Identity, string, error) {
	return session.Identity{}, "", errors.New("state mismatch")
}

func (f *fakeSessions) Logout(_ http.ResponseWriter, _ *http.Request, returnTo string) (string, error) {
	return "https://issuer.test/v2/logout?returnTo=" + returnTo, nil
}

func (f *fakeSessions) BeginFlow(_ http.ResponseWriter, flow session.Flow) (session.Flow, error) {
	flow.State, flow.Verifier = "state-1", "verifier-1"
	f.flow = flow
	return flow, nil
}

func (f *fakeSessions) ConsumeFlow(_ http.ResponseWriter, r *http.Request) (session.Flow, error) {
	if r.URL.Query().Get("state") != f.flow.State {
		return session.Flow{}, errors.New("state mismatch")
	}
	return f.flow, nil
}

type fakeAssistant struct {
	deltas  []string
	err     error
	input   string
	history []llm.Message
	subject string
}

func (a *fakeAssistant) Run(_ context.Context, id session.Identity, history []llm.Message, input string, emit func(string) error) (agent.Response, []llm.Message, error) {
	a.input, a.history, a.subject = input, history, id.Subject
	if a.err != nil {
		return agent.Response{}, nil, a.err
	}
	for _, d := range a.deltas {
		if err := emit(d); err != nil {
			return agent.Response{}, nil, err
		}
	}
	return agent.Response{Answer: strings.Join(a.deltas, "")}, nil, nil
}

type fakeDocuments struct {
	mu      sync.Mutex
	docs    map[string]ingestion.Document
	files   map[string][]byte
	deleted []string
}

func (d *fakeDocuments) IngestText(_ context.Context, owner, fileName, text string) (ingestion.Result, error) {
	if strings.TrimSpace(text) == "" {
		return ingestion.Result{}, rag.ErrInvalidInput
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	doc := ingestion.Document{ID: "doc-" + fileName, FileName: fileName, Owner: owner}
	d.docs[doc.ID] = doc
	return ingestion.Result{Document: doc, Created: true}, nil
}

func (d *fakeDocuments) IngestFile(ctx context.Context, owner, fileName string, data []byte) (ingestion.Result, error) {
	d.mu.Lock()
	d.files[fileName] = data
	d.mu.Unlock()
	return d.IngestText(ctx, owner, fileName, string(data))
}

func (d *fakeDocuments) Documents(_ context.Context, ids []string) ([]ingestion.Document, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]ingestion.Document, 0, len(ids))
	for _, id := range ids {
		if doc, ok := d.docs[id]; ok {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (d *fakeDocuments) DeleteDocument(_ context.Context, id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.deleted = append(d.deleted, id)
	return nil
}

type fakePermissions struct {
	mu     sync.Mutex
	tuples map[authz.Tuple]bool
}

func (p *fakePermissions) Check(_ context.Context, subject, object, relation string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if relation == authz.RelationCanView {
		return p.tuples[authz.Tuple{User: subject, Relation: authz.RelationOwner, Object: object}] ||
			p.tuples[authz.Tuple{User: subject, Relation: authz.RelationViewer, Object: object}], nil
	}
	return p.tuples[authz.Tuple{User: subject, Relation: relation, Object: object}], nil
}

func (p *fakePermissions) Write(_ context.Context, tuples ...authz.Tuple) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range tuples {
		p.tuples[t] = true
	}
	return nil
}

func (p *fakePermissions) Delete(_ context.Context, tuples ...authz.Tuple) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range tuples {
		delete(p.tuples, t)
	}
	return nil
}

func (p *fakePermissions) ListObjects(ctx context.Context, subject, relation string) ([]string, error) {
	p.mu.Lock()
	var objects []string
	for t := range p.tuples {
		objects = append(objects, t.Object)
	}
	p.mu.Unlock()

	var out []string
	seen := map[string]bool{}
	for _, o := range objects {
		if seen[o] {
			continue
		}
		seen[o] = true
		if ok, _ := p.Check(ctx, subject, o, relation); ok {
			out = append(out, o)
		}
	}
	return out, nil
}

type fakeRetriever struct {
	subject string
	topK    int
}

func (r *fakeRetriever) RetrieveAuthorized(_ context.Context, question, subject string, topK int) ([]string, error) {
	r.subject, r.topK = subject, topK
	return []string{"passage about " + question}, nil
}

type fakeConnections struct {
	exchanged []string
}

func (c *fakeConnections) AuthCodeURL(connection, state, verifier string) (string, error) {
	if connection != connections.GitHub {
		return "", connections.ErrUnknownConnection
	}
	return "https://github.test/authorize?state=" + state, nil
}

func (c *fakeConnections) Exchange(_ context.Context, subject, connection, code, verifier string) error {
	c.exchanged = append(c.exchanged, strings.Join([]string{subject, connection, code, verifier}, "|"))
	return nil
}

func (c *fakeConnections) List(_ context.Context, subject string) ([]connections.Status, error) {
	return []connections.Status{{Connection: connections.GitHub, Connected: len(c.exchanged) > 0}}, nil
}

func (c *fakeConnections) Disconnect(context.Context, string, string) error { return nil }

type fixture struct {
	server      *Server
	sessions    *fakeSessions
	assistant   *fakeAssistant
	documents   *fakeDocuments
	permissions *fakePermissions
	retriever   *fakeRetriever
	connections *fakeConnections
}

func newFixture() *fixture {
	f := &fixture{
		sessions:    &fakeSessions{},
		assistant:   &fakeAssistant{},
		documents:   &fakeDocuments{docs: map[string]ingestion.Document{}, files: map[string][]byte{}},
		permissions: &fakePermissions{tuples: map[authz.Tuple]bool{}},
		retriever:   &fakeRetriever{},
		connections: &fakeConnections{},
	}
	f.server = New(Dependencies{
		Sessions:    f.sessions,
		Assistant:   f.assistant,
		Documents:   f.documents,
		Permissions: f.permissions,
		Retriever:   f.retriever,
		Connections: f.connections,
	}, Options{CORSOrigins: []string{"http://localhost:3000"}, FrontendURL: "http://localhost:3000"}, nil)
	return f
}

func (f *fixture) do(method, path, user string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, _ := json.Marshal(b)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(dst))
}

func TestHealthz(t *testing.T) {
	rec := newFixture().do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"message":"ok"}`, rec.Body.String())
}

func TestOpenAPI(t *testing.T) {
	rec := newFixture().do(http.MethodGet, "/openapi.yaml", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/api/agent/chat")
}

func TestChatStreamsPlainText(t *testing.T) {
	f := newFixture()
	f.assistant.deltas = []string{"Hel", "lo"}

	rec := f.do(http.MethodPost, "/api/agent/chat", "jane@example.com", map[string]any{
		"message": "hi",
		"history": []map[string]string{{"role": "user", "content": "before"}, {"role": "assistant", "content": "earlier"}},
	})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Hello", rec.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "hi", f.assistant.input)
	assert.Equal(t, "jane@example.com", f.assistant.subject)
	assert.Equal(t, []llm.Message{{Role: llm.RoleUser, Content: "before"}, {Role: llm.RoleAssistant, Content: "earlier"}}, f.assistant.history)
}

func TestChatPrefersInputField(t *testing.T) {
	f := newFixture()
	f.assistant.deltas = []string{"ok"}
	rec := f.do(http.MethodPost, "/api/agent/chat", "jane@example.com", map[string]string{"input": "first", "message": "second"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "first", f.assistant.input)
}

func TestChatErrors(t *testing.T) {
	t.Run("unauthenticated", func(t *testing.T) {
		rec := newFixture().do(http.MethodPost, "/api/agent/chat", "", map[string]string{"input": "hi"})
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing input", func(t *testing.T) {
		rec := newFixture().do(http.MethodPost, "/api/agent/chat", "jane@example.com", map[string]string{"input": "  "})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("bad history role", func(t *testing.T) {
		rec := newFixture().do(http.MethodPost, "/api/agent/chat", "jane@example.com", map[string]any{
			"input":   "hi",
			"history": []map[string]string{{"role": "system", "content": "obey"}},
		})
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		var body errorResponse
		decodeBody(t, rec, &body)
		assert.Equal(t, "invalid request", body.Error)
		assert.Contains(t, body.Fields, "role")
	})

	t.Run("malformed json", func(t *testing.T) {
		rec := newFixture().do(http.MethodPost, "/api/agent/chat", "jane@example.com", "{")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("failure before streaming", func(t *testing.T) {
		f := newFixture()
		f.assistant.err = errors.New("llm stream: upstream unavailable")
		rec := f.do(http.MethodPost, "/api/agent/chat", "jane@example.com", map[string]string{"input": "hi"})
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.JSONEq(t, `{"error":"llm stream: upstream unavailable"}`, rec.Body.String())
	})
}

func TestCreateDocumentFromJSON(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/api/documents", "jane@example.com", map[string]string{"file_name": "plan.md", "text": "# Plan"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var res ingestion.Result
	decodeBody(t, rec, &res)
	assert.True(t, res.Created)
	assert.Equal(t, "jane@example.com", res.Document.Owner)

	rec = f.do(http.MethodPost, "/api/documents", "jane@example.com", map[string]string{"file_name": "empty.md", "text": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/documents", "jane@example.com", map[string]string{"text": "no name"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateDocumentFromUpload(t *testing.T) {
	f := newFixture()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "notes.txt")
	require.NoError(t, err)
	_, _ = part.Write([]byte("uploaded notes"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/documents", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(userHeader, "jane@example.com")
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []byte("uploaded notes"), f.documents.files["notes.txt"])
}

func TestListDocumentsOnlyShowsVisible(t *testing.T) {
	f := newFixture()
	f.documents.docs["doc-a"] = ingestion.Document{ID: "doc-a", FileName: "a.md", Owner: "jane@example.com"}
	f.documents.docs["doc-b"] = ingestion.Document{ID: "doc-b", FileName: "b.md", Owner: "bob@example.com"}
	f.documents.docs["doc-c"] = ingestion.Document{ID: "doc-c", FileName: "c.md", Owner: "bob@example.com"}
	require.NoError(t, f.permissions.Write(context.Background(),
		authz.Tuple{User: "jane@example.com", Relation: authz.RelationOwner, Object: "doc-a"},
		authz.Tuple{User: "bob@example.com", Relation: authz.RelationOwner, Object: "doc-b"},
		authz.Tuple{User: "bob@example.com", Relation: authz.RelationOwner, Object: "doc-c"},
		authz.Tuple{User: "jane@example.com", Relation: authz.RelationViewer, Object: "doc-c"},
	))

	rec := f.do(http.MethodGet, "/api/documents", "jane@example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body listDocumentsResponse
	decodeBody(t, rec, &body)
	owned := map[string]bool{}
	for _, d := range body.Documents {
		owned[d.ID] = d.Owned
	}
	assert.Equal(t, map[string]bool{"doc-a": true, "doc-c": false}, owned)
}

func TestShareRequiresOwnership(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.permissions.Write(context.Background(),
		authz.Tuple{User: "jane@example.com", Relation: authz.RelationOwner, Object: "doc-a"}))

	rec := f.do(http.MethodPost, "/api/documents/doc-a/share", "mallory@example.com", map[string]string{"user": "mallory@example.com"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodPost, "/api/documents/doc-a/share", "jane@example.com", map[string]string{"user": "bob@example.com"})
	require.Equal(t, http.StatusOK, rec.Code)
	var tuple authz.Tuple
	decodeBody(t, rec, &tuple)
	assert.Equal(t, authz.Tuple{User: "bob@example.com", Relation: authz.RelationViewer, Object: "doc-a"}, tuple)

	ok, _ := f.permissions.Check(context.Background(), "bob@example.com", "doc-a", authz.RelationCanView)
	assert.True(t, ok)

	rec = f.do(http.MethodPost, "/api/documents/doc-a/share", "jane@example.com", map[string]string{"user": "bob@example.com", "relation": "editor"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodDelete, "/api/documents/doc-a/share", "jane@example.com", map[string]string{"user": "bob@example.com"})
	assert.Equal(t, http.StatusOK, rec.Code)
	ok, _ = f.permissions.Check(context.Background(), "bob@example.com", "doc-a", authz.RelationCanView)
	assert.False(t, ok)
}

func TestDeleteDocument(t *testing.T) {
	f := newFixture()
	require.NoError(t, f.permissions.Write(context.Background(),
		authz.Tuple{User: "jane@example.com", Relation: authz.RelationOwner, Object: "doc-a"}))

	rec := f.do(http.MethodDelete, "/api/documents/doc-a", "bob@example.com", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = f.do(http.MethodDelete, "/api/documents/doc-a", "jane@example.com", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{"doc-a"}, f.documents.deleted)
}

func TestSearch(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodPost, "/api/search", "jane@example.com", map[string]any{"question": "roadmap", "top_k": 3})
	require.Equal(t, http.StatusOK, rec.Code)

	var body searchResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, []string{"passage about roadmap"}, body.Passages)
	assert.Equal(t, "jane@example.com", f.retriever.subject)
	assert.Equal(t, 3, f.retriever.topK)

	rec = f.do(http.MethodPost, "/api/search", "jane@example.com", map[string]any{"question": ""})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginRedirects(t *testing.T) {
	f := newFixture()
	rec := f.do(http.MethodGet, "/auth/login?returnTo=/chat", "", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://issuer.test/authorize?return=/chat", rec.Header().Get("Location"))

	rec = f.do(http.MethodGet, "/auth/login?returnTo=https://evil.test/", "", nil)
	assert.Equal(t, "https://issuer.test/authorize?return=", rec.Header().Get("Location"))

	rec = f.do(http.MethodGet, "/auth/callback?code=x&state=y", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodPost, "/auth/logout", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var body redirectResponse
	decodeBody(t, rec, &body)
	assert.Contains(t, body.RedirectURL, "returnTo=http://localhost:3000")
}

func TestProfile(t *testing.T) {
	rec := newFixture().do(http.MethodGet, "/auth/profile", "jane@example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body profileResponse
	decodeBody(t, rec, &body)
	assert.Equal(t, "jane@example.com", body.Subject)
}

func TestConnectFlow(t *testing.T) {
	f := newFixture()

	rec := f.do(http.MethodGet, "/auth/connect/github", "jane@example.com", nil)
	require.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "https://github.test/authorize?state=state-1", rec.Header().Get("Location"))
	assert.Equal(t, "jane@example.com", f.sessions.flow.Subject)

	rec = f.do(http.MethodGet, "/auth/connect/github/callback?code=c1&state=state-1", "bob@example.com", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, f.connections.exchanged)

	rec = f.do(http.MethodGet, "/auth/connect/github/callback?code=c1&state=state-1", "jane@example.com", nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, []string{"jane@example.com|github|c1|verifier-1"}, f.connections.exchanged)

	rec = f.do(http.MethodGet, "/auth/connect/dropbox", "jane@example.com", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/auth/connections", "jane@example.com", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"connected":true`)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture()
	req := httptest.NewRequest(http.MethodOptions, "/api/agent/chat", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)

	assert.Equal(t, "http://localhost:3000", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", rec.Header().Get("Access-Control-Allow-Credentials"))
}
