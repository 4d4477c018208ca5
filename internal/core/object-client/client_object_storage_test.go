package objectclient

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/markdave123-py/docanchor/internal/infra"
)

type fakeS3 struct {
	objects map[string][]byte
	buckets []string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.buckets = append(f.buckets, aws.ToString(in.Bucket))
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, fmt.Errorf("NoSuchKey")
	}
	n := int64(len(data))
	return &s3.GetObjectOutput{
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: aws.Int64(n),
		ContentRange:  aws.String(fmt.Sprintf("bytes 0-%d/%d", n-1, n)),
	}, nil
}

func TestGetFile(t *testing.T) {
	api := &fakeS3{objects: map[string][]byte{"docs/a.pdf": []byte("%PDF-1.4 body")}}
	c := NewWithAPI(api, "us-east-2", "default-bucket", infra.Discard())

	got, err := c.GetFile(context.Background(), "", "docs/a.pdf")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "%PDF-1.4 body" {
		t.Fatalf("body = %q", got)
	}
	if api.buckets[0] != "default-bucket" {
		t.Fatalf("bucket = %q", api.buckets[0])
	}

	if _, err := c.GetFile(context.Background(), "other", "missing"); err == nil {
		t.Fatal("expected error for missing key")
	}
	if api.buckets[len(api.buckets)-1] != "other" {
		t.Fatal("explicit bucket not used")
	}
}

func TestGetObjectReader(t *testing.T) {
	api := &fakeS3{objects: map[string][]byte{"k": []byte("stream")}}
	c := NewWithAPI(api, "us-east-2", "b", infra.Discard())
	rc, err := c.GetObjectReader(context.Background(), "b", "k")
	if err != nil {
		t.Fatal(err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	if string(body) != "stream" {
		t.Fatalf("body = %q", body)
	}
}

func TestURL(t *testing.T) {
	c := NewWithAPI(&fakeS3{}, "eu-west-1", "docs", infra.Discard())
	if got := c.URL("a/b.pdf"); got != "https://docs.s3.eu-west-1.amazonaws.com/a/b.pdf" {
		t.Fatalf("URL = %q", got)
	}
}
