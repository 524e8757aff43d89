package s3_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elabx-org/cloudmux/internal/domain"
	"github.com/elabx-org/cloudmux/internal/provider"
	s3adapter "github.com/elabx-org/cloudmux/internal/provider/s3"
)

type putRecord struct {
	path     string
	mime     string
	metadata string
}

// newS3Server fakes the two path-style calls the adapter makes.
func newS3Server(t *testing.T) (*httptest.Server, *[]putRecord) {
	t.Helper()
	t.Setenv("AWS_CONFIG_FILE", "/nonexistent")
	t.Setenv("AWS_SHARED_CREDENTIALS_FILE", "/nonexistent")

	var mu sync.Mutex
	var puts []putRecord
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.Header.Get("Authorization"), "Credential=AKIDGOOD/") {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		switch {
		case r.Method == http.MethodHead && r.URL.Path == "/media":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPut && strings.HasPrefix(r.URL.Path, "/media/"):
			mu.Lock()
			puts = append(puts, putRecord{path: r.URL.Path, mime: r.Header.Get("Content-Type"), metadata: r.Header.Get("X-Amz-Meta-Team")})
			mu.Unlock()
			w.Header().Set("ETag", `"abc123"`)
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &puts
}

func settings(srv *httptest.Server, bucket string) map[string]string {
	return map[string]string{
		s3adapter.SettingBucket:   bucket,
		s3adapter.SettingEndpoint: srv.URL,
		s3adapter.SettingRegion:   "eu-west-1",
		s3adapter.SettingPrefix:   "uploads/",
	}
}

func TestS3Probe(t *testing.T) {
	srv, _ := newS3Server(t)
	d := s3adapter.Descriptor(srv.Client())
	ctx := context.Background()

	ok, err := d.Strategy.ValidateCredentials(ctx, domain.APIKeyCredential("AKIDGOOD", "secret"), settings(srv, "media"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Strategy.ValidateCredentials(ctx, domain.APIKeyCredential("AKIDBAD", "secret"), settings(srv, "media"))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = d.Strategy.ValidateCredentials(ctx, domain.APIKeyCredential("AKIDGOOD", ""), settings(srv, "media"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestS3UploadWithMetadata(t *testing.T) {
	srv, puts := newS3Server(t)
	d := s3adapter.Descriptor(srv.Client())
	inst := &domain.ProviderInstance{Type: domain.ProviderS3, Enabled: true, Settings: settings(srv, "media")}

	ad, err := d.New(inst, domain.APIKeyCredential("AKIDGOOD", "secret"))
	require.NoError(t, err)
	mc, ok := ad.(provider.MetadataCapable)
	require.True(t, ok)
	mc.SetMetadata(map[string]string{"team": "design"})

	obj, err := ad.Upload(context.Background(), provider.UploadTarget{FolderPath: "/Media/Images"},
		domain.FileInfo{Name: "cat.png", MimeType: "image/png", Size: 4}, strings.NewReader("\x89PNG"))
	require.NoError(t, err)
	assert.Equal(t, "uploads/Media/Images/cat.png", obj.ID)
	assert.Equal(t, "s3://media/uploads/Media/Images/cat.png", obj.Path)
	assert.Equal(t, "abc123", obj.Hash)

	require.Len(t, *puts, 1)
	got := (*puts)[0]
	assert.Equal(t, "/media/uploads/Media/Images/cat.png", got.path)
	assert.Equal(t, "image/png", got.mime)
	assert.Equal(t, "design", got.metadata)
}

func TestS3UploadRejected(t *testing.T) {
	srv, _ := newS3Server(t)
	inst := &domain.ProviderInstance{Type: domain.ProviderS3, Settings: settings(srv, "media")}
	ad, err := s3adapter.Descriptor(srv.Client()).New(inst, domain.APIKeyCredential("AKIDBAD", "secret"))
	require.NoError(t, err)

	_, err = ad.Upload(context.Background(), provider.UploadTarget{}, domain.FileInfo{Name: "a", Size: 1}, strings.NewReader("x"))
	assert.ErrorIs(t, err, domain.ErrInvalidCredentials)
}
