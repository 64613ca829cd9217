package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/bryan-buckman/tabs/internal/archive"
	"github.com/bryan-buckman/tabs/internal/auth"
	"github.com/bryan-buckman/tabs/internal/database"
	"github.com/bryan-buckman/tabs/internal/media"
	"github.com/bryan-buckman/tabs/internal/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

type fakePreviewer struct {
	preview *model.LinkPreview
	err     error
}

func (f *fakePreviewer) Fetch(_ context.Context, rawURL string) (*model.LinkPreview, error) {
	if f.err != nil {
		return nil, f.err
	}
	p := *f.preview
	p.URL = rawURL
	return &p, nil
}

type testEnv struct {
	srv     *Server
	db      *database.DB
	auth    *auth.Service
	preview *fakePreviewer
	user    int64
	token   string
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	db, err := database.New(filepath.Join(dir, "tabs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blobs, err := media.NewStore(filepath.Join(dir, "static"), 1<<20, time.Second, zerolog.Nop())
	require.NoError(t, err)

	authSvc := auth.NewService(db, "tabs_bot", time.Minute, zerolog.Nop())
	preview := &fakePreviewer{preview: &model.LinkPreview{Title: "Example", SiteName: "example.com"}}
	srv, err := New(archive.NewService(db, blobs, zerolog.Nop()), authSvc, preview,
		Options{StaticDir: blobs.Root(), MaxUploadBytes: 4 << 20}, zerolog.Nop())
	require.NoError(t, err)

	env := &testEnv{srv: srv, db: db, auth: authSvc, preview: preview}
	env.user, env.token = env.login(t, 100)
	return env
}

// login runs the handshake for a Telegram user and returns the user id and
// access token.
func (e *testEnv) login(t *testing.T, telegramID int64) (int64, string) {
	t.Helper()
	ctx := context.Background()
	u, err := e.db.UpsertUser(ctx, telegramID, "user", "User")
	require.NoError(t, err)
	login, err := e.auth.Init(ctx)
	require.NoError(t, err)
	require.NoError(t, e.auth.Bind(ctx, login.Token, u.ID))
	st, err := e.auth.Status(ctx, login.Token)
	require.NoError(t, err)
	require.NotNil(t, st.AccessToken)
	return u.ID, *st.AccessToken
}

func (e *testEnv) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) doJSON(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	return e.do(t, method, path, e.token, r, "application/json")
}

func (e *testEnv) insert(t *testing.T, src int64, group string, text string) int64 {
	t.Helper()
	it := model.Item{OwnerID: e.user, SourceMessageID: src}
	if text != "" {
		it.Text = &text
	}
	if group != "" {
		url := fmt.Sprintf("/static/images/%d.jpg", src)
		it.GroupID = &group
		it.MediaURL = &url
		it.MediaKind = model.MediaPhoto
	}
	id, err := e.db.InsertItem(context.Background(), &it)
	require.NoError(t, err)
	return id
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestAuthHandshakeOverHTTP(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/auth/init", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	login := decode[auth.Init](t, rec)
	assert.Equal(t, "https://t.me/tabs_bot?start="+login.Token, login.BotURL)

	rec = e.do(t, http.MethodGet, "/auth/status?token="+login.Token, "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"pending","access_token":null,"user_id":null}`, rec.Body.String())

	// A login token is not a credential until the bot binds it.
	rec = e.do(t, http.MethodGet, "/posts", login.Token, nil, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	require.NoError(t, e.auth.Bind(context.Background(), login.Token, e.user))
	rec = e.do(t, http.MethodGet, "/auth/status?token="+login.Token, "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	st := decode[auth.Status](t, rec)
	assert.Equal(t, model.AuthAuthenticated, st.Status)
	require.NotNil(t, st.AccessToken)
	require.NotNil(t, st.UserID)
	assert.Equal(t, e.user, *st.UserID)

	rec = e.do(t, http.MethodGet, "/posts", *st.AccessToken, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestAuthStatusErrors(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/auth/status", "", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodGet, "/auth/status?token=nope", "", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.JSONEq(t, `{"code":"not_found","message":"not found"}`, rec.Body.String())
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	e := newTestEnv(t)

	for _, path := range []string{"/posts", "/tabs"} {
		rec := e.do(t, http.MethodGet, path, "", nil, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)

		rec = e.do(t, http.MethodGet, path, "garbage", nil, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code, path)
	}
}

func TestListPostsFoldsAlbums(t *testing.T) {
	e := newTestEnv(t)
	e.insert(t, 1, "", "note")
	e.insert(t, 11, "g1", "caption")
	e.insert(t, 10, "g1", "")
	e.insert(t, 12, "g1", "")

	rec := e.doJSON(t, http.MethodGet, "/posts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	posts := decode[[]archive.Post](t, rec)
	require.Len(t, posts, 2)

	album := posts[0]
	require.NotNil(t, album.MediaGroupID)
	assert.Equal(t, "g1", *album.MediaGroupID)
	require.NotNil(t, album.Content)
	assert.Equal(t, "caption", *album.Content)
	require.Len(t, album.Media, 3)
	assert.Equal(t, "/static/images/10.jpg", album.Media[0].URL)
	assert.Equal(t, "photo", album.Media[0].Type)

	note := posts[1]
	assert.Nil(t, note.MediaGroupID)
	assert.NotNil(t, note.Entities)
	assert.Empty(t, note.Media)
}

func TestListPostsBadTabID(t *testing.T) {
	e := newTestEnv(t)
	rec := e.doJSON(t, http.MethodGet, "/posts?tab_id=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.doJSON(t, http.MethodGet, "/posts?tab_id=999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetAndDeletePost(t *testing.T) {
	e := newTestEnv(t)
	id := e.insert(t, 20, "g2", "")
	e.insert(t, 21, "g2", "")

	rec := e.doJSON(t, http.MethodGet, fmt.Sprintf("/posts/%d", id), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[archive.Post](t, rec).Media, 2)

	rec = e.doJSON(t, http.MethodDelete, fmt.Sprintf("/posts/%d", id), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.doJSON(t, http.MethodGet, "/posts", nil)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = e.doJSON(t, http.MethodDelete, fmt.Sprintf("/posts/%d", id), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.doJSON(t, http.MethodGet, "/posts/xyz", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestForeignPostIsNotFound(t *testing.T) {
	e := newTestEnv(t)
	id := e.insert(t, 30, "", "mine")

	_, other := e.login(t, 200)
	rec := e.do(t, http.MethodGet, fmt.Sprintf("/posts/%d", id), other, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = e.do(t, http.MethodDelete, fmt.Sprintf("/posts/%d", id), other, nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMoveAndReorderPosts(t *testing.T) {
	e := newTestEnv(t)
	a := e.insert(t, 40, "", "a")
	b := e.insert(t, 41, "g3", "")
	e.insert(t, 42, "g3", "")

	rec := e.doJSON(t, http.MethodPost, "/tabs", map[string]any{"title": "Reading"})
	require.Equal(t, http.StatusCreated, rec.Code)
	tab := decode[model.Folder](t, rec)

	rec = e.doJSON(t, http.MethodPatch, fmt.Sprintf("/posts/%d/move", b), map[string]any{"tab_id": tab.ID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.doJSON(t, http.MethodGet, fmt.Sprintf("/posts?tab_id=%d", tab.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	moved := decode[[]archive.Post](t, rec)
	require.Len(t, moved, 1)
	assert.Len(t, moved[0].Media, 2)

	rec = e.doJSON(t, http.MethodPatch, fmt.Sprintf("/posts/%d/move", b), map[string]any{"tab_id": nil})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.doJSON(t, http.MethodPut, "/posts/reorder", map[string]any{"post_ids": []int64{b, a}})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.doJSON(t, http.MethodGet, "/posts", nil)
	posts := decode[[]archive.Post](t, rec)
	require.Len(t, posts, 2)
	assert.NotNil(t, posts[0].MediaGroupID)
	assert.Equal(t, a, posts[1].ID)
	assert.Equal(t, 1, posts[1].Position)

	rec = e.do(t, http.MethodPut, "/posts/reorder", e.token, bytes.NewReader([]byte("{")), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func multipartBody(t *testing.T, fields map[string]string, files ...[]byte) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for i, data := range files {
		part, err := w.CreateFormFile("media", fmt.Sprintf("file%d.png", i))
		require.NoError(t, err)
		_, err = part.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func TestCreatePostAlbum(t *testing.T) {
	e := newTestEnv(t)
	body, ct := multipartBody(t, map[string]string{
		"content":      "  two pictures ",
		"link_preview": `{"url":"https://example.com","title":"Example","description":null,"image":"","site_name":"example.com"}`,
	}, pngBytes, pngBytes)

	rec := e.do(t, http.MethodPost, "/posts", e.token, body, ct)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	post := decode[archive.Post](t, rec)

	require.NotNil(t, post.Content)
	assert.Equal(t, "two pictures", *post.Content)
	assert.Less(t, post.TelegramMessageID, int64(0))
	require.NotNil(t, post.MediaGroupID)
	require.Len(t, post.Media, 2)
	require.NotNil(t, post.LinkPreview)
	assert.Equal(t, "Example", post.LinkPreview.Title)

	// Uploaded files are reachable through the static route.
	rec = e.do(t, http.MethodGet, post.Media[0].URL, "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, pngBytes, rec.Body.Bytes())
}

func TestCreatePostIntoTab(t *testing.T) {
	e := newTestEnv(t)
	rec := e.doJSON(t, http.MethodPost, "/tabs", map[string]any{"title": "Ideas"})
	require.Equal(t, http.StatusCreated, rec.Code)
	tab := decode[model.Folder](t, rec)

	body, ct := multipartBody(t, map[string]string{"content": "hello", "tab_id": fmt.Sprint(tab.ID)})
	rec = e.do(t, http.MethodPost, "/posts", e.token, body, ct)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	post := decode[archive.Post](t, rec)
	require.NotNil(t, post.TabID)
	assert.Equal(t, tab.ID, *post.TabID)
	assert.Nil(t, post.MediaGroupID)
}

func TestCreatePostValidation(t *testing.T) {
	e := newTestEnv(t)

	body, ct := multipartBody(t, map[string]string{"content": "   "})
	rec := e.do(t, http.MethodPost, "/posts", e.token, body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, ct = multipartBody(t, map[string]string{"content": "x", "link_preview": `{"title": 5}`})
	rec = e.do(t, http.MethodPost, "/posts", e.token, body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	body, ct = multipartBody(t, map[string]string{"content": "x", "link_preview": `not json`})
	rec = e.do(t, http.MethodPost, "/posts", e.token, body, ct)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/posts", e.token, bytes.NewReader([]byte(`{}`)), "application/json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePostRejectsOversizedBody(t *testing.T) {
	e := newTestEnv(t)
	big := bytes.Repeat([]byte{0}, int(e.srv.opts.MaxUploadBytes)+1)
	body, ct := multipartBody(t, map[string]string{"content": "big"}, big)

	rec := e.do(t, http.MethodPost, "/posts", e.token, body, ct)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "too_large", decode[map[string]any](t, rec)["code"])

	rec = e.doJSON(t, http.MethodGet, "/posts", nil)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestTabsLifecycle(t *testing.T) {
	e := newTestEnv(t)

	rec := e.doJSON(t, http.MethodGet, "/tabs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	first := decode[model.Folder](t, e.doJSON(t, http.MethodPost, "/tabs", map[string]any{"title": "One"}))
	second := decode[model.Folder](t, e.doJSON(t, http.MethodPost, "/tabs", map[string]any{"title": "Two"}))

	rec = e.doJSON(t, http.MethodPost, "/tabs", map[string]any{"title": " "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.doJSON(t, http.MethodPatch, fmt.Sprintf("/tabs/%d", first.ID), map[string]any{"title": "Uno"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Uno", decode[model.Folder](t, rec).Title)

	rec = e.doJSON(t, http.MethodPut, "/tabs/reorder", map[string]any{"tab_ids": []int64{second.ID, first.ID}})
	require.Equal(t, http.StatusOK, rec.Code)

	tabs := decode[[]model.Folder](t, e.doJSON(t, http.MethodGet, "/tabs", nil))
	require.Len(t, tabs, 2)
	assert.Equal(t, second.ID, tabs[0].ID)
	assert.Equal(t, first.ID, tabs[1].ID)

	post := e.insert(t, 50, "", "kept")
	rec = e.doJSON(t, http.MethodPatch, fmt.Sprintf("/posts/%d/move", post), map[string]any{"tab_id": second.ID})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.doJSON(t, http.MethodDelete, fmt.Sprintf("/tabs/%d", second.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	inbox := decode[[]archive.Post](t, e.doJSON(t, http.MethodGet, "/posts", nil))
	require.Len(t, inbox, 1)
	assert.Equal(t, post, inbox[0].ID)
	assert.Nil(t, inbox[0].TabID)

	rec = e.doJSON(t, http.MethodDelete, fmt.Sprintf("/tabs/%d", second.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLinkPreviewEndpoint(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/utils/link-preview?url=https://example.com/a", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[model.LinkPreview](t, rec)
	assert.Equal(t, "https://example.com/a", p.URL)
	assert.Equal(t, "Example", p.Title)

	e.preview.err = fmt.Errorf("%w: bad url", model.ErrValidation)
	rec = e.do(t, http.MethodGet, "/utils/link-preview?url=", "", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	e.preview.err = errors.New("connection refused")
	rec = e.do(t, http.MethodGet, "/utils/link-preview?url=https://down.example", "", nil, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	e := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/posts", nil)
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPut)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), http.MethodPut)
}

func TestRunShutsDownOnCancel(t *testing.T) {
	e := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.srv.Run(ctx, "127.0.0.1:0") }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
