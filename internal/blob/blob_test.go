package blob

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	l, err := NewLocal(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, l.Put(ctx, "u1/abc/notes.txt", []byte("hello"), "text/plain"))
	data, err := l.Get(ctx, "u1/abc/notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = l.Get(ctx, "u1/missing")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, l.Put(ctx, "../escape", []byte("x"), "text/plain"))
}

type fakeS3 struct {
	objects map[string][]byte
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Bucket+"/"+*in.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Bucket+"/"+*in.Key]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func TestS3PrefixesKeys(t *testing.T) {
	ctx := context.Background()
	fake := &fakeS3{objects: map[string][]byte{}}
	s := &S3{client: fake, cfg: S3Config{Bucket: "bucket", Prefix: "uploads/"}}

	require.NoError(t, s.Put(ctx, "u1/a.txt", []byte("body"), "text/plain"))
	assert.Contains(t, fake.objects, "bucket/uploads/u1/a.txt")

	data, err := s.Get(ctx, "u1/a.txt")
	require.NoError(t, err)
	assert.Equal(t, "body", string(data))

	_, err = s.Get(ctx, "u1/none.txt")
	assert.ErrorIs(t, err, ErrNotFound)
}
