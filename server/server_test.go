package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"voxfeed/db"
	"voxfeed/feeds"
	"voxfeed/models"
	"voxfeed/voice"

	"github.com/gofiber/fiber/v2"
	"github.com/samber/lo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeeds struct {
	items  []models.FeedItem
	err    error
	viewer string
	scope  feeds.Scope
}

func (f *fakeFeeds) AssembleFeed(_ context.Context, viewerId string, scope feeds.Scope) ([]models.FeedItem, error) {
	f.viewer = viewerId
	f.scope = scope
	return f.items, f.err
}

type fakeDigest struct {
	text     string
	audio    []byte
	err      error
	audioErr error
}

func (f *fakeDigest) ComposeDigest(context.Context, string) (string, error) {
	return f.text, f.err
}

func (f *fakeDigest) SynthesizeDigestAudio(context.Context, string) ([]byte, error) {
	return f.audio, f.audioErr
}

type fakePublisher struct {
	err    error
	audio  []byte
	userId string
	postId string
}

func (f *fakePublisher) PublishPost(_ context.Context, userId string, audio []byte) (models.Post, error) {
	f.userId = userId
	f.audio = audio
	if f.err != nil {
		return models.Post{}, f.err
	}
	return models.Post{Id: "p1", Transcript: "hello"}, nil
}

func (f *fakePublisher) PublishReply(_ context.Context, postId string, userId string, audio []byte) (models.Reply, error) {
	f.postId = postId
	f.userId = userId
	f.audio = audio
	if f.err != nil {
		return models.Reply{}, f.err
	}
	return models.Reply{Id: "r1", PostId: postId}, nil
}

func (f *fakePublisher) Transcribe(_ context.Context, audio []byte) (string, error) {
	if len(audio) == 0 {
		return "", voice.ErrEmptyAudio
	}
	return "transcribed", f.err
}

type fakeStore struct {
	pingErr  error
	likes    map[string]int64
	follows  map[string][]string
	profiles map[string]models.Profile
	replies  []models.Reply
	err      error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		likes:    map[string]int64{"p1": 2},
		follows:  map[string][]string{},
		profiles: map[string]models.Profile{},
	}
}

func (f *fakeStore) Ping(context.Context) error { return f.pingErr }

func (f *fakeStore) IncrementLikes(_ context.Context, postId string) (models.Post, error) {
	if f.err != nil {
		return models.Post{}, f.err
	}
	count, ok := f.likes[postId]
	if !ok {
		return models.Post{}, db.ErrPostNotFound
	}
	f.likes[postId] = count + 1
	return models.Post{Id: postId, LikeCount: count + 1}, nil
}

func (f *fakeStore) FollowedIds(_ context.Context, followerId string) ([]string, error) {
	return f.follows[followerId], f.err
}

func (f *fakeStore) Follow(_ context.Context, edge models.FollowEdge) error {
	if !lo.Contains(f.follows[edge.FollowerId], edge.FollowedId) {
		f.follows[edge.FollowerId] = append(f.follows[edge.FollowerId], edge.FollowedId)
	}
	return f.err
}

func (f *fakeStore) Unfollow(_ context.Context, edge models.FollowEdge) error {
	f.follows[edge.FollowerId] = lo.Without(f.follows[edge.FollowerId], edge.FollowedId)
	return f.err
}

func (f *fakeStore) EnsureProfile(_ context.Context, profile models.Profile) (bool, error) {
	if _, ok := f.profiles[profile.Id]; ok {
		return false, f.err
	}
	f.profiles[profile.Id] = profile
	return true, f.err
}

func (f *fakeStore) RepliesForPost(context.Context, string) ([]models.Reply, error) {
	return f.replies, f.err
}

func (f *fakeStore) ProfilesByIds(_ context.Context, ids []string) (map[string]models.Profile, error) {
	return lo.PickByKeys(f.profiles, ids), nil
}

type prefixURLs struct{}

func (prefixURLs) PublicURL(path string) string {
	return "https://cdn.example/" + path
}

type testServer struct {
	app       *fiber.App
	feeds     *fakeFeeds
	digest    *fakeDigest
	publisher *fakePublisher
	store     *fakeStore
	bc        *Broadcaster
}

func newTestServer() *testServer {
	ts := &testServer{
		feeds:     &fakeFeeds{},
		digest:    &fakeDigest{},
		publisher: &fakePublisher{},
		store:     newFakeStore(),
		bc:        NewBroadcaster(),
	}
	ts.app = Server(&ServerConfig{
		Feeds:       ts.feeds,
		Digest:      ts.digest,
		Publisher:   ts.publisher,
		Store:       ts.store,
		URLs:        prefixURLs{},
		Broadcaster: ts.bc,
	})
	return ts
}

func (ts *testServer) do(t *testing.T, method, target string, body string) (int, map[string]interface{}) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if strings.HasPrefix(body, "{") {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := ts.app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var decoded map[string]interface{}
	if len(data) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(data, &decoded))
	}
	return resp.StatusCode, decoded
}

func TestFeedEndpoints(t *testing.T) {
	tests := []struct {
		name     string
		target   string
		expected feeds.Scope
	}{
		{name: "default scope", target: "/api/feed?viewerId=v1", expected: feeds.ScopeGlobal},
		{name: "explicit following", target: "/api/feed?scope=following&viewerId=v1", expected: feeds.ScopeFollowing},
		{name: "following alias", target: "/api/feed/following?viewerId=v1", expected: feeds.ScopeFollowing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer()
			ts.feeds.items = []models.FeedItem{{Id: "p1", AuthorName: "Someone"}}

			status, body := ts.do(t, http.MethodGet, tt.target, "")
			require.Equal(t, http.StatusOK, status)
			assert.Equal(t, tt.expected, ts.feeds.scope)
			assert.Equal(t, "v1", ts.feeds.viewer)
			assert.Len(t, body["posts"], 1)
		})
	}
}

func TestFeedErrors(t *testing.T) {
	tests := []struct {
		name   string
		target string
		err    error
		status int
	}{
		{name: "unknown scope", target: "/api/feed?scope=friends", status: http.StatusBadRequest},
		{name: "missing viewer", target: "/api/feed/following", err: feeds.ErrMissingViewer, status: http.StatusBadRequest},
		{name: "unavailable", target: "/api/feed", err: feeds.ErrFeedUnavailable, status: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer()
			ts.feeds.err = tt.err

			status, body := ts.do(t, http.MethodGet, tt.target, "")
			assert.Equal(t, tt.status, status)
			assert.NotEmpty(t, body["error"])
		})
	}
}

func TestDigestEndpoints(t *testing.T) {
	ts := newTestServer()
	ts.digest.text = "A calm day."
	ts.digest.audio = []byte{0xff, 0xfb}

	status, body := ts.do(t, http.MethodGet, "/api/digest?viewerId=v1", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "A calm day.", body["digest"])

	resp, err := ts.app.Test(httptest.NewRequest(http.MethodGet, "/api/digest-audio", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "audio/mpeg", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))
	audio, _ := io.ReadAll(resp.Body)
	assert.Equal(t, []byte{0xff, 0xfb}, audio)

	ts.digest.err = errors.New("down")
	ts.digest.audioErr = errors.New("tts down")
	status, _ = ts.do(t, http.MethodGet, "/api/digest", "")
	assert.Equal(t, http.StatusInternalServerError, status)
	status, _ = ts.do(t, http.MethodGet, "/api/digest-audio", "")
	assert.Equal(t, http.StatusInternalServerError, status)
}

func TestLike(t *testing.T) {
	ts := newTestServer()

	status, body := ts.do(t, http.MethodPost, "/api/like", `{"postId":"p1"}`)
	require.Equal(t, http.StatusOK, status)
	post := body["post"].(map[string]interface{})
	assert.EqualValues(t, 3, post["like_count"])

	status, _ = ts.do(t, http.MethodPost, "/api/like", `{"postId":"nope"}`)
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = ts.do(t, http.MethodPost, "/api/like", `{}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestFollowGraph(t *testing.T) {
	ts := newTestServer()

	status, _ := ts.do(t, http.MethodPost, "/api/follow", `{"followerId":"a","followedId":"b"}`)
	require.Equal(t, http.StatusOK, status)
	status, _ = ts.do(t, http.MethodPost, "/api/follow", `{"followerId":"a","followedId":"b"}`)
	require.Equal(t, http.StatusOK, status, "duplicate follow is a no-op")

	status, body := ts.do(t, http.MethodGet, "/api/follow?viewerId=a", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []interface{}{"b"}, body["followingIds"])

	status, _ = ts.do(t, http.MethodDelete, "/api/follow", `{"followerId":"a","followedId":"b"}`)
	require.Equal(t, http.StatusOK, status)

	status, body = ts.do(t, http.MethodGet, "/api/follow?viewerId=a", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, []interface{}{}, body["followingIds"])
}

func TestFollowRejectsInvalidEdges(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
	}{
		{name: "self follow", method: http.MethodPost, body: `{"followerId":"a","followedId":"a"}`},
		{name: "missing followed", method: http.MethodPost, body: `{"followerId":"a"}`},
		{name: "bad json", method: http.MethodPost, body: `{"followerId":`},
		{name: "unfollow missing follower", method: http.MethodDelete, body: `{"followedId":"b"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer()
			status, _ := ts.do(t, tt.method, "/api/follow", tt.body)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Empty(t, ts.store.follows["a"])
		})
	}

	status, _ := newTestServer().do(t, http.MethodGet, "/api/follow", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestEnsureProfile(t *testing.T) {
	ts := newTestServer()

	status, _ := ts.do(t, http.MethodPost, "/api/profile", `{"userId":"u1","email":"kari@example.com"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "kari", *ts.store.profiles["u1"].DisplayName)

	status, _ = ts.do(t, http.MethodPost, "/api/profile", `{"userId":"u1","email":"other@example.com"}`)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "kari", *ts.store.profiles["u1"].DisplayName, "existing profiles are left alone")

	status, _ = ts.do(t, http.MethodPost, "/api/profile", `{"email":"x@example.com"}`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestBaseDisplayName(t *testing.T) {
	assert.Equal(t, "kari", BaseDisplayName("kari@example.com"))
	assert.Equal(t, "Voice user", BaseDisplayName("no-at-sign"))
	assert.Equal(t, "Voice user", BaseDisplayName(""))
}

func TestPostVoice(t *testing.T) {
	ts := newTestServer()

	status, body := ts.do(t, http.MethodPost, "/api/post-voice?userId=u1", "webm-bytes")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "u1", ts.publisher.userId)
	assert.Equal(t, []byte("webm-bytes"), ts.publisher.audio)
	assert.Equal(t, "p1", body["post"].(map[string]interface{})["id"])
}

func TestVoiceErrors(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		err     error
		status  int
		message string
	}{
		{name: "flagged post", target: "/api/post-voice", err: voice.ErrContentFlagged, status: http.StatusBadRequest, message: guidelinesPost},
		{name: "flagged reply", target: "/api/reply?postId=p1", err: voice.ErrContentFlagged, status: http.StatusBadRequest, message: guidelinesReply},
		{name: "upload", target: "/api/post-voice", err: voice.ErrUploadFailed, status: http.StatusInternalServerError, message: "Failed to upload audio"},
		{name: "transcription", target: "/api/reply?postId=p1", err: voice.ErrTranscriptionFailed, status: http.StatusInternalServerError, message: "Failed to process reply"},
		{name: "reply without post", target: "/api/reply", status: http.StatusBadRequest, message: "Missing postId"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer()
			ts.publisher.err = tt.err

			status, body := ts.do(t, http.MethodPost, tt.target, "webm-bytes")
			assert.Equal(t, tt.status, status)
			assert.Equal(t, tt.message, body["error"])
		})
	}
}

func TestReplies(t *testing.T) {
	ts := newTestServer()
	ts.store.replies = []models.Reply{
		{Id: "r1", PostId: "p1", Transcript: "first", AudioPath: "replies/p1/r1.webm", CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)},
		{Id: "r2", PostId: "p1", Transcript: "second", AudioPath: "replies/p1/r2.webm", CreatedAt: time.Date(2024, 5, 1, 12, 5, 0, 0, time.UTC)},
	}

	status, body := ts.do(t, http.MethodGet, "/api/replies?postId=p1", "")
	require.Equal(t, http.StatusOK, status)
	replies := body["replies"].([]interface{})
	require.Len(t, replies, 2)
	first := replies[0].(map[string]interface{})
	assert.Equal(t, "r1", first["id"])
	assert.Equal(t, "https://cdn.example/replies/p1/r1.webm", first["audio_url"])

	status, _ = ts.do(t, http.MethodGet, "/api/replies", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestTranscribe(t *testing.T) {
	ts := newTestServer()

	status, body := ts.do(t, http.MethodPost, "/api/transcribe", "webm-bytes")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "transcribed", body["text"])

	status, _ = ts.do(t, http.MethodPost, "/api/transcribe", "")
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer()

	status, body := ts.do(t, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])

	resp, err := ts.app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ts.store.pingErr = errors.New("down")
	status, _ = ts.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, status)
}

func TestBroadcaster(t *testing.T) {
	bc := NewBroadcaster()
	fast := make(chan models.CreatePostEvent, 1)
	slow := make(chan models.CreatePostEvent)
	bc.AddClient("fast", fast)
	bc.AddClient("slow", slow)
	require.Equal(t, 2, bc.Clients())

	// slow has no buffer and nobody reading, the send is dropped instead of blocking
	bc.BroadcastCreatePost(models.CreatePostEvent{Post: models.FeedItem{Id: "p1"}})
	event := <-fast
	assert.Equal(t, "p1", event.Post.Id)

	bc.RemoveClient("fast")
	bc.RemoveClient("fast")
	_, open := <-fast
	assert.False(t, open)
	assert.Equal(t, 1, bc.Clients())

	bc.Shutdown()
	assert.Equal(t, 0, bc.Clients())
}

func TestAnnouncer(t *testing.T) {
	bc := NewBroadcaster()
	client := make(chan models.CreatePostEvent, 2)
	bc.AddClient("c1", client)

	store := newFakeStore()
	store.profiles["u1"] = models.Profile{Id: "u1", DisplayName: lo.ToPtr("Kari")}
	announce := bc.Announcer(store, prefixURLs{})

	announce(models.Post{Id: "p1", UserId: lo.ToPtr("u1"), AudioPath: "posts/p1.webm"})
	announce(models.Post{Id: "p2", AudioPath: "posts/p2.webm"})

	first := <-client
	assert.Equal(t, "Kari", first.Post.AuthorName)
	require.NotNil(t, first.Post.AudioUrl)
	assert.Equal(t, "https://cdn.example/posts/p1.webm", *first.Post.AudioUrl)

	second := <-client
	assert.Equal(t, models.PlaceholderDisplayName, second.Post.AuthorName)
}

func TestRemoveSSEClient(t *testing.T) {
	ts := newTestServer()
	client := make(chan models.CreatePostEvent, 1)
	ts.bc.AddClient("k1", client)

	status, _ := ts.do(t, http.MethodDelete, "/api/feed/sse?key=k1", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, 0, ts.bc.Clients())
}
