package media

import (
	"context"
	"fmt"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/terminal-bench/studytrack/internal/cache"
	"github.com/terminal-bench/studytrack/internal/errs"
)

type fakePresigner struct {
	calls int
}

func (f *fakePresigner) PresignedGetObject(_ context.Context, bucket, object string, _ time.Duration, _ url.Values) (*url.URL, error) {
	f.calls++
	return url.Parse(fmt.Sprintf("https://store.local/%s/%s?sig=abc", bucket, object))
}

func newService(p Presigner) *Service {
	loader := cache.NewLoader(cache.NewMemory(), zap.NewNop())
	return New(p, loader, "materials", time.Hour, zap.NewNop())
}

func TestURLPresignsAndCaches(t *testing.T) {
	presigner := &fakePresigner{}
	svc := newService(presigner)
	ctx := context.Background()

	link, err := svc.URL(ctx, "course/intro.pdf")
	require.NoError(t, err)
	assert.Equal(t, "https://store.local/materials/course/intro.pdf?sig=abc", link.URL)
	assert.Equal(t, "application/pdf", link.ContentType)
	assert.False(t, link.ExpiresAt.IsZero())

	// The second resolution is served from cache.
	_, err = svc.URL(ctx, "course/intro.pdf")
	require.NoError(t, err)
	assert.Equal(t, 1, presigner.calls)
}

func TestURLNormalizesKey(t *testing.T) {
	presigner := &fakePresigner{}
	svc := newService(presigner)

	link, err := svc.URL(context.Background(), "course//./intro.mp4")
	require.NoError(t, err)
	assert.Equal(t, "https://store.local/materials/course/intro.mp4?sig=abc", link.URL)
	assert.Equal(t, "video/mp4", link.ContentType)
}

func TestURLRejectsTraversal(t *testing.T) {
	svc := newService(&fakePresigner{})

	for _, key := range []string{"", "../secrets.pdf", "/abs.pdf", "a/../../b.pdf"} {
		_, err := svc.URL(context.Background(), key)
		require.Error(t, err, "%q", key)
		assert.Equal(t, errs.CodeNotFound, errs.CodeOf(err), "%q", key)
	}
}

func TestURLPresignFailureSurfacesInternal(t *testing.T) {
	svc := newService(failingPresigner{})

	_, err := svc.URL(context.Background(), "course/intro.pdf")
	require.Error(t, err)
	assert.Equal(t, errs.CodeInternal, errs.CodeOf(err))
}

type failingPresigner struct{}

func (failingPresigner) PresignedGetObject(context.Context, string, string, time.Duration, url.Values) (*url.URL, error) {
	return nil, fmt.Errorf("connection refused")
}
