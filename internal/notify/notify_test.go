package notify

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowjay/tender-mirror/internal/config"
)

type capture struct {
	path    string
	headers http.Header
	body    []byte
}

func server(t *testing.T, status int, got *capture) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.path = r.URL.Path
		got.headers = r.Header.Clone()
		got.body, _ = io.ReadAll(r.Body)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv
}

var event = Event{OperationID: "clone_1", Kind: "clone", Status: "completed", Message: "clone clone_1", Items: 5}

func TestWebhookPostsEvent(t *testing.T) {
	var got capture
	srv := server(t, http.StatusNoContent, &got)
	err := Webhook{Name: "ops", URL: srv.URL, Headers: map[string]string{"X-Token": "t"}}.Notify(context.Background(), event)
	require.NoError(t, err)

	assert.Equal(t, "t", got.headers.Get("X-Token"))
	var decoded Event
	require.NoError(t, json.Unmarshal(got.body, &decoded))
	assert.Equal(t, "clone_1", decoded.OperationID)
	assert.Equal(t, 5, decoded.Items)
}

func TestMattermostAndMatrixText(t *testing.T) {
	var mm, mx capture
	mmSrv := server(t, http.StatusOK, &mm)
	mxSrv := server(t, http.StatusOK, &mx)
	failed := event
	failed.Status, failed.Error = "failed", "upstream status 503"

	multi := FromConfig(config.NotificationsConfig{
		Mattermost: []config.MattermostHook{{Name: "mm", URL: mmSrv.URL}},
		Matrix:     []config.MatrixConfig{{Name: "mx", ServerURL: mxSrv.URL, AccessToken: "secret", RoomID: "!room:example.org"}},
	})
	require.NoError(t, multi.Notify(context.Background(), failed))

	assert.JSONEq(t, `{"text":"[failed] clone clone_1: upstream status 503"}`, string(mm.body))
	assert.Equal(t, "Bearer secret", mx.headers.Get("Authorization"))
	assert.Contains(t, mx.path, "/_matrix/client/v3/rooms/!room:example.org/send/m.room.message/")
}

func TestMultiJoinsErrors(t *testing.T) {
	var a, b capture
	bad := server(t, http.StatusInternalServerError, &a)
	good := server(t, http.StatusOK, &b)
	err := Multi{Targets: []Notifier{Webhook{Name: "bad", URL: bad.URL}, nil, Webhook{Name: "good", URL: good.URL}}}.Notify(context.Background(), event)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "webhook bad returned 500")
	assert.NotEmpty(t, b.body)
}
