package artifacts

import (
	"context"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string][]byte
	puts    int
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: map[string][]byte{}} }

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, fmt.Errorf("no such key %s", *in.Key)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader(string(data)))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, fmt.Errorf("no such key %s", *in.Key)
	}
	return &s3.HeadObjectOutput{}, nil
}

func TestArchiveRoundTrip(t *testing.T) {
	fake := newFakeS3()
	arc := NewFromClient(fake, "majel-imports", "")

	payload := []byte("name,level\nKirk,20\n")
	key, err := arc.Archive(context.Background(), "u1", "roster.csv", payload)
	require.NoError(t, err)

	day := time.Now().UTC().Format("2006/01/02")
	assert.True(t, strings.HasPrefix(key, "imports/u1/"+day+"/"), key)
	assert.True(t, strings.HasSuffix(key, ".csv"), key)

	got, err := arc.Fetch(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestArchiveIsIdempotentPerContent(t *testing.T) {
	fake := newFakeS3()
	arc := NewFromClient(fake, "majel-imports", "")

	payload := []byte("same bytes")
	k1, err := arc.Archive(context.Background(), "u1", "a.json", payload)
	require.NoError(t, err)
	k2, err := arc.Archive(context.Background(), "u1", "a.json", payload)
	require.NoError(t, err)

	assert.Equal(t, k1, k2)
	assert.Equal(t, 1, fake.puts)
}

func TestArchiveRejectsEmptyPayload(t *testing.T) {
	arc := NewFromClient(newFakeS3(), "majel-imports", "")
	_, err := arc.Archive(context.Background(), "u1", "a.csv", nil)
	assert.Error(t, err)
}

func TestArchiveSeparatesUsers(t *testing.T) {
	fake := newFakeS3()
	arc := NewFromClient(fake, "majel-imports", "archive/")

	payload := []byte("shared content")
	k1, err := arc.Archive(context.Background(), "u1", "x.csv", payload)
	require.NoError(t, err)
	k2, err := arc.Archive(context.Background(), "u2", "x.csv", payload)
	require.NoError(t, err)

	assert.NotEqual(t, k1, k2)
	assert.True(t, strings.HasPrefix(k1, "archive/imports/u1/"))
	assert.True(t, strings.HasPrefix(k2, "archive/imports/u2/"))
}
