package repository

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	webpush "github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func testSubscription(endpoint string) webpush.Subscription {
	return webpush.Subscription{
		Endpoint: endpoint,
		Keys: webpush.Keys{
			P256dh: "BNNL5ZaTfK81qhXOx23-wewhigUeFb632jN6LvRWCFH1ubQr77FE_9qV1FuojuRmHP42zmf34rXgW80OvUVDgTk",
			Auth:   "zqbxT6JKstKSY9JKibZLSQ",
		},
	}
}

func TestPushSenderSignsAndEncryptsMessage(t *testing.T) {
	type received struct {
		header http.Header
		body   []byte
	}
	requests := make(chan received, 1)
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		requests <- received{header: r.Header.Clone(), body: body}
		w.WriteHeader(http.StatusCreated)
	}))
	t.Cleanup(server.Close)

	sender, err := NewPushSender(PushSenderConfig{HTTPClient: server.Client()}, zerolog.Nop())
	require.NoError(t, err)
	require.NotEmpty(t, sender.PublicKey())

	err = sender.Send(context.Background(), testSubscription(server.URL+"/push/abc"), PushMessage{
		Title: "New message",
		Body:  "Budi: hello",
	})
	require.NoError(t, err)

	got := <-requests
	require.Equal(t, "aes128gcm", got.header.Get("Content-Encoding"))
	require.Equal(t, "30", got.header.Get("TTL"))
	require.Equal(t, "normal", got.header.Get("Urgency"))
	require.True(t, strings.HasPrefix(got.header.Get("Authorization"), "vapid t="))
	require.Contains(t, got.header.Get("Authorization"), "k="+sender.PublicKey())
	require.NotEmpty(t, got.body)
	require.NotContains(t, string(got.body), "hello")
}

func TestPushSenderReportsExpiredSubscription(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusGone)
	}))
	t.Cleanup(server.Close)

	sender, err := NewPushSender(PushSenderConfig{HTTPClient: server.Client()}, zerolog.Nop())
	require.NoError(t, err)

	err = sender.Send(context.Background(), testSubscription(server.URL+"/push/abc"), PushMessage{Title: "x"})
	require.ErrorIs(t, err, ErrSubscriptionGone)

	err = sender.Send(context.Background(), testSubscription("http://insecure.example.org/abc"), PushMessage{Title: "x"})
	require.ErrorIs(t, err, ErrInvalidSubscription)
}
