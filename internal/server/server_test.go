package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	jwt "github.com/golang-jwt/jwt/v5"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"photoshare/internal/app"
	"photoshare/internal/usertoken"
	"photoshare/pkg/domain"
	"photoshare/pkg/queue"
	"photoshare/pkg/storage"
	"photoshare/pkg/store"
)

type memObjects struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMemObjects() *memObjects {
	return &memObjects{objects: map[string][]byte{}}
}

func (m *memObjects) put(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = []byte("data")
}

func (m *memObjects) Put(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *memObjects) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such key %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memObjects) PresignGet(_ context.Context, key string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("https://storage.test/%s?expires=%d", key, int(expiry.Seconds())), nil
}

func (m *memObjects) PresignPut(_ context.Context, key string, expiry time.Duration) (string, error) {
	return fmt.Sprintf("https://storage.test/upload/%s?expires=%d", key, int(expiry.Seconds())), nil
}

func (m *memObjects) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *memObjects) List(_ context.Context, prefix, startAfter string, max int) ([]storage.ObjectInfo, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		if strings.HasPrefix(key, prefix) && key > startAfter {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := make([]storage.ObjectInfo, 0, len(keys))
	for _, key := range keys {
		if len(out) == max {
			return out, out[max-1].Key, nil
		}
		out = append(out, storage.ObjectInfo{Key: key, Size: int64(len(m.objects[key]))})
	}
	return out, "", nil
}

func (m *memObjects) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

type noopAnalysis struct{}

func (noopAnalysis) Enqueue(_ context.Context, photoID string) (queue.JobStatus, error) {
	return queue.JobStatus{ID: "job", PhotoID: photoID, Status: queue.StatusQueued}, nil
}

type testEnv struct {
	srv     *httptest.Server
	store   *store.GormStore
	objects *memObjects
	signer  *rsa.PrivateKey
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	dataStore, err := store.NewStoreWithDB(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	objects := newMemObjects()
	appCore, err := app.New(app.Config{Store: dataStore, Objects: objects, Analysis: noopAnalysis{}})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	verifier, signer, err := newJWKSVerifier(t)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	redis := miniredis.RunT(t)

	cfg.App = appCore
	cfg.TokenVerifier = verifier
	cfg.RedisAddr = redis.Addr()
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: dataStore, objects: objects, signer: signer}
}

func (e *testEnv) do(t *testing.T, method, path, subject string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+mustSignUserToken(t, e.signer, subject))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func seedPhoto(t *testing.T, s *store.GormStore, id, owner, key string, createdAt time.Time) {
	t.Helper()
	err := s.CreatePhoto(domain.Photo{
		ID:        id,
		OwnerID:   owner,
		ObjectKey: key,
		Mime:      "image/jpeg",
		Bytes:     10,
		Status:    domain.StatusUploaded,
		CreatedAt: createdAt,
	})
	if err != nil {
		t.Fatalf("seed photo: %v", err)
	}
}

func TestRoutesRequireAuth(t *testing.T) {
	env := newTestEnv(t, Config{})

	paths := []struct {
		method, path string
	}{
		{http.MethodGet, "/api/photos"},
		{http.MethodGet, "/api/storage"},
		{http.MethodPost, "/api/storage/presign/upload"},
		{http.MethodPost, "/api/storage/complete"},
	}
	for _, p := range paths {
		resp := env.do(t, p.method, p.path, "", nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s %s without token: got %d, want 401", p.method, p.path, resp.StatusCode)
		}
	}

	// A token signed with the wrong key must also fail.
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/photos", nil)
	req.Header.Set("Authorization", "Bearer "+mustSignUserToken(t, otherKey, "user-1"))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token: got %d, want 401", resp.StatusCode)
	}
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp := env.do(t, http.MethodGet, "/healthz", "", nil)
	body := decodeBody[map[string]string](t, resp)
	if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("healthz: status=%d body=%v", resp.StatusCode, body)
	}
}

func TestListPhotosGroupedResponse(t *testing.T) {
	env := newTestEnv(t, Config{})
	seedPhoto(t, env.store, "photo-1", "user-1", "photos/a.jpg", time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC))
	seedPhoto(t, env.store, "photo-2", "user-1", "photos/b.jpg", time.Date(2025, 6, 16, 10, 0, 0, 0, time.UTC))
	seedPhoto(t, env.store, "photo-3", "user-2", "photos/c.jpg", time.Date(2025, 6, 16, 11, 0, 0, 0, time.UTC))

	resp := env.do(t, http.MethodGet, "/api/photos?group=ymd", "user-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: got %d, want 200", resp.StatusCode)
	}
	res := decodeBody[app.ListResult](t, resp)
	if len(res.Grouped["2025-06-15"]) != 1 || len(res.Grouped["2025-06-16"]) != 1 {
		t.Fatalf("unexpected grouping: %v", res.Grouped)
	}
	for _, items := range res.Grouped {
		for _, item := range items {
			if item.ID == "photo-3" {
				t.Fatalf("foreign photo leaked into listing")
			}
			if item.PreviewURL == nil {
				t.Fatalf("presign defaults on, %s missing preview URL", item.ID)
			}
		}
	}
}

func TestListPhotosValidationStatus(t *testing.T) {
	env := newTestEnv(t, Config{})
	for _, path := range []string{
		"/api/photos?take=500",
		"/api/photos?group=weekly",
		"/api/photos?ttl=10",
		"/api/photos?take=abc",
		"/api/photos?take=0",
		"/api/photos?ttl=0",
	} {
		resp := env.do(t, http.MethodGet, path, "user-1", nil)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: got %d, want 400", path, resp.StatusCode)
		}
	}
}

func TestCompleteUploadEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.objects.put("photos/2025/06/15/a.jpg")

	resp := env.do(t, http.MethodPost, "/api/storage/complete", "user-1", map[string]any{
		"key":   "photos/2025/06/15/a.jpg",
		"mime":  "image/jpeg",
		"bytes": 4,
		"exif":  map[string]string{"taken_at": "2025-06-15T10:00:00Z"},
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("complete: got %d, want 201", resp.StatusCode)
	}
	created := decodeBody[struct {
		Item domain.PhotoItem `json:"item"`
	}](t, resp)
	if created.Item.Status != domain.StatusUploaded || created.Item.PreviewURL == nil {
		t.Fatalf("unexpected item: %+v", created.Item)
	}

	resp = env.do(t, http.MethodPost, "/api/storage/complete", "user-1", map[string]any{
		"key":   "photos/never-uploaded.jpg",
		"mime":  "image/jpeg",
		"bytes": 4,
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing object: got %d, want 400", resp.StatusCode)
	}
	errBody := decodeBody[map[string]string](t, resp)
	if errBody["error"] != "object_not_found" || errBody["message"] == "" {
		t.Fatalf("unexpected error payload: %v", errBody)
	}
}

func TestPresignEndpoints(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp := env.do(t, http.MethodPost, "/api/storage/presign/upload", "user-1", map[string]string{
		"contentType": "image/png",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("presign upload: got %d, want 200", resp.StatusCode)
	}
	grant := decodeBody[app.UploadGrant](t, resp)
	if grant.URL == "" || !strings.HasSuffix(grant.Key, ".png") {
		t.Fatalf("unexpected grant: %+v", grant)
	}

	resp = env.do(t, http.MethodGet, "/api/storage/presign/download?key=photos/a.jpg", "user-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("presign download: got %d, want 200", resp.StatusCode)
	}
	dl := decodeBody[app.DownloadGrant](t, resp)
	if !strings.Contains(dl.URL, "photos/a.jpg") {
		t.Fatalf("unexpected download grant: %+v", dl)
	}

	resp = env.do(t, http.MethodGet, "/api/storage/presign/download", "user-1", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing key: got %d, want 400", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/storage/presign/upload", "user-1", map[string]string{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing contentType: got %d, want 400", resp.StatusCode)
	}
}

func TestStorageListEndpoint(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.objects.put("photos/a.jpg")
	env.objects.put("photos/b.mp4")

	resp := env.do(t, http.MethodGet, "/api/storage?prefix=photos/", "user-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list storage: got %d, want 200", resp.StatusCode)
	}
	listing := decodeBody[app.StorageListing](t, resp)
	if len(listing.Items) != 2 {
		t.Fatalf("expected 2 items, got %d", len(listing.Items))
	}
	for _, item := range listing.Items {
		isImage := strings.HasSuffix(item.Key, ".jpg")
		if isImage != (item.PreviewURL != nil) {
			t.Fatalf("preview gating wrong for %s", item.Key)
		}
	}
}

func TestStorageListContinuation(t *testing.T) {
	env := newTestEnv(t, Config{})
	for _, key := range []string{"photos/a.jpg", "photos/b.jpg", "photos/c.jpg"} {
		env.objects.put(key)
	}

	resp := env.do(t, http.MethodGet, "/api/storage?prefix=photos/&limit=2", "user-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first page: got %d, want 200", resp.StatusCode)
	}
	page1 := decodeBody[app.StorageListing](t, resp)
	if len(page1.Items) != 2 {
		t.Fatalf("first page has %d items, want 2", len(page1.Items))
	}
	if page1.NextToken == nil {
		t.Fatalf("expected a continuation token on a full page")
	}

	resp = env.do(t, http.MethodGet, "/api/storage?prefix=photos/&limit=2&token="+*page1.NextToken, "user-1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second page: got %d, want 200", resp.StatusCode)
	}
	page2 := decodeBody[app.StorageListing](t, resp)
	if len(page2.Items) != 1 || page2.Items[0].Key != "photos/c.jpg" {
		t.Fatalf("second page = %+v, want just photos/c.jpg", page2.Items)
	}
	if page2.NextToken != nil {
		t.Fatalf("last page must not carry a continuation token")
	}
}

func TestExplicitZeroParamsRejected(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.objects.put("photos/zero.jpg")

	for _, tc := range []struct {
		method string
		path   string
		body   any
	}{
		{http.MethodGet, "/api/photos?take=0", nil},
		{http.MethodGet, "/api/photos?ttl=0", nil},
		{http.MethodGet, "/api/storage?limit=0", nil},
		{http.MethodGet, "/api/storage?ttl=0", nil},
		{http.MethodPost, "/api/storage/complete?ttl=0", map[string]any{
			"key": "photos/zero.jpg", "mime": "image/jpeg", "bytes": 4,
		}},
	} {
		resp := env.do(t, tc.method, tc.path, "user-1", tc.body)
		body := decodeBody[map[string]string](t, resp)
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s %s: got %d, want 400", tc.method, tc.path, resp.StatusCode)
		}
		if body["error"] != "validation" {
			t.Fatalf("%s %s: error kind = %q, want validation", tc.method, tc.path, body["error"])
		}
	}
}

func TestCommentLifecycle(t *testing.T) {
	env := newTestEnv(t, Config{})
	seedPhoto(t, env.store, "photo-1", "user-1", "photos/a.jpg", time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC))

	resp := env.do(t, http.MethodPost, "/api/photos/photo-1/comments", "user-2", map[string]string{"body": " nice shot "})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create comment: got %d, want 201", resp.StatusCode)
	}
	comment := decodeBody[domain.Comment](t, resp)
	if comment.Body != "nice shot" || comment.UserID != "user-2" {
		t.Fatalf("unexpected comment: %+v", comment)
	}

	resp = env.do(t, http.MethodGet, "/api/photos/photo-1/comments", "user-1", nil)
	page := decodeBody[struct {
		Items []domain.Comment `json:"items"`
		Count int              `json:"count"`
	}](t, resp)
	if page.Count != 1 || len(page.Items) != 1 {
		t.Fatalf("unexpected comment page: %+v", page)
	}

	resp = env.do(t, http.MethodPost, "/api/photos/photo-1/comments", "user-2", map[string]string{"body": "   "})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("blank comment: got %d, want 400", resp.StatusCode)
	}

	resp = env.do(t, http.MethodDelete, "/api/photos/photo-1/comments/"+comment.ID, "user-3", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("foreign delete: got %d, want 403", resp.StatusCode)
	}

	resp = env.do(t, http.MethodDelete, "/api/photos/photo-1/comments/"+comment.ID, "user-2", nil)
	ack := decodeBody[map[string]bool](t, resp)
	if resp.StatusCode != http.StatusOK || !ack["ok"] {
		t.Fatalf("author delete: status=%d body=%v", resp.StatusCode, ack)
	}

	resp = env.do(t, http.MethodDelete, "/api/photos/photo-1/comments/"+comment.ID, "user-2", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second delete: got %d, want 404", resp.StatusCode)
	}
}

func TestFavoriteEndpoints(t *testing.T) {
	env := newTestEnv(t, Config{})
	seedPhoto(t, env.store, "photo-1", "user-1", "photos/a.jpg", time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC))

	for i := 0; i < 2; i++ {
		resp := env.do(t, http.MethodPost, "/api/photos/photo-1/favorite", "user-2", nil)
		ack := decodeBody[map[string]bool](t, resp)
		if resp.StatusCode != http.StatusOK || !ack["ok"] {
			t.Fatalf("favorite %d: status=%d body=%v", i, resp.StatusCode, ack)
		}
	}
	resp := env.do(t, http.MethodDelete, "/api/photos/photo-1/favorite", "user-2", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unfavorite: got %d, want 200", resp.StatusCode)
	}

	resp = env.do(t, http.MethodPost, "/api/photos/missing/favorite", "user-2", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("favorite unknown photo: got %d, want 404", resp.StatusCode)
	}
}

func TestCommentRateLimit(t *testing.T) {
	env := newTestEnv(t, Config{CommentRateLimitPerMinute: 2})
	seedPhoto(t, env.store, "photo-1", "user-1", "photos/a.jpg", time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC))

	for i := 0; i < 2; i++ {
		resp := env.do(t, http.MethodPost, "/api/photos/photo-1/comments", "user-2", map[string]string{"body": "hi"})
		resp.Body.Close()
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("comment %d: got %d, want 201", i, resp.StatusCode)
		}
	}
	resp := env.do(t, http.MethodPost, "/api/photos/photo-1/comments", "user-2", map[string]string{"body": "hi"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("over limit: got %d, want 429", resp.StatusCode)
	}
	if resp.Header.Get("Retry-After") != "60" {
		t.Fatalf("missing Retry-After header")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	env := newTestEnv(t, Config{})
	resp := env.do(t, http.MethodPut, "/api/photos", "user-1", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("PUT /api/photos: got %d, want 405", resp.StatusCode)
	}
}

func newJWKSVerifier(t *testing.T) (*usertoken.Verifier, *rsa.PrivateKey, error) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, nil, err
	}
	jwksServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{
				{
					"kty": "RSA",
					"kid": "kid-1",
					"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
					"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
				},
			},
		})
	}))
	t.Cleanup(jwksServer.Close)

	verifier, err := usertoken.NewVerifier(usertoken.Config{
		JWKSURL:  jwksServer.URL,
		Issuer:   "photoshare-idp",
		Audience: "photoshare-api",
		Leeway:   30 * time.Second,
	})
	if err != nil {
		return nil, nil, err
	}
	return verifier, key, nil
}

func mustSignUserToken(t *testing.T, key *rsa.PrivateKey, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    "photoshare-idp",
		Audience:  jwt.ClaimStrings{"photoshare-api"},
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Second)),
	})
	token.Header["kid"] = "kid-1"
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}
