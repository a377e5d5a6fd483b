package publish_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/book-expert/audiobook-pipeline/internal/publish"
)

func startTestServer(t *testing.T) (*server.Server, *nats.Conn) {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	if err != nil {
		natsServer.Shutdown()
		t.Fatalf("Failed to connect to test NATS server: %v", err)
	}

	t.Cleanup(func() {
		natsConnection.Close()
		natsServer.Shutdown()
	})

	return natsServer, natsConnection
}

func writeArtifact(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "Book[narrator].m4b")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

func TestKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "audiobooks/moby/Moby.m4b", publish.Key("audiobooks", "moby", "/x/y/Moby.m4b"))
	assert.Equal(t, "moby/Moby.m4b", publish.Key("", "moby", "Moby.m4b"))
}

func TestNATSPublisher_PublishAndDownload(t *testing.T) {
	t.Parallel()

	_, natsConnection := startTestServer(t)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	publisher, err := publish.NewNATSPublisher(jetstreamContext, "AUDIOBOOKS")
	require.NoError(t, err)

	artifact := writeArtifact(t, "finished audiobook")

	location, err := publisher.Publish(context.Background(), "moby/Moby.m4b", artifact)
	require.NoError(t, err)
	assert.Equal(t, "nats://AUDIOBOOKS/moby/Moby.m4b", location)

	data, err := publisher.Download(context.Background(), "moby/Moby.m4b")
	require.NoError(t, err)
	assert.Equal(t, []byte("finished audiobook"), data)

	// A second publisher binds to the existing bucket.
	again, err := publish.NewNATSPublisher(jetstreamContext, "AUDIOBOOKS")
	require.NoError(t, err)

	data, err = again.Download(context.Background(), "moby/Moby.m4b")
	require.NoError(t, err)
	assert.Equal(t, []byte("finished audiobook"), data)
}

func TestNATSPublisher_Errors(t *testing.T) {
	t.Parallel()

	_, natsConnection := startTestServer(t)

	jetstreamContext, err := natsConnection.JetStream()
	require.NoError(t, err)

	_, err = publish.NewNATSPublisher(jetstreamContext, "")
	require.ErrorIs(t, err, publish.ErrNotConfigured)

	publisher, err := publish.NewNATSPublisher(jetstreamContext, "EMPTY")
	require.NoError(t, err)

	_, err = publisher.Download(context.Background(), "absent")
	require.Error(t, err)

	_, err = publisher.Publish(context.Background(), "k", filepath.Join(t.TempDir(), "absent.m4b"))
	require.Error(t, err)
}

func TestNewS3Publisher_NotConfigured(t *testing.T) {
	t.Parallel()

	_, err := publish.NewS3Publisher(context.Background(), publish.S3Config{Bucket: "only-bucket"})
	require.ErrorIs(t, err, publish.ErrNotConfigured)
}

func TestS3Publisher_PublishToMockServer(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		method  string
		urlPath string
		body    string
	)

	mockServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)

		mu.Lock()
		method = r.Method
		urlPath = r.URL.Path
		body = string(data)
		mu.Unlock()

		w.WriteHeader(http.StatusOK)
	}))
	defer mockServer.Close()

	publisher, err := publish.NewS3Publisher(context.Background(), publish.S3Config{
		Bucket:          "books",
		Region:          "us-east-1",
		Endpoint:        mockServer.URL,
		AccessKeyID:     "test-access-key",
		SecretAccessKey: "test-secret-key",
	})
	require.NoError(t, err)

	artifact := writeArtifact(t, "audiobook bytes")

	location, err := publisher.Publish(context.Background(), "moby/Moby.m4b", artifact)
	require.NoError(t, err)
	assert.Equal(t, mockServer.URL+"/books/moby/Moby.m4b", location)

	mu.Lock()
	defer mu.Unlock()

	assert.Equal(t, http.MethodPut, method)
	assert.True(t, strings.HasSuffix(urlPath, "/books/moby/Moby.m4b"), urlPath)
	assert.Contains(t, body, "audiobook bytes")
}
