package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/max-bytes/omnikeeper-sub003/internal/blob/core"
)

func TestMockStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests()
	payload := bytes.Repeat([]byte("PK\x03\x04\r\n"), 512)
	info, err := store.Put(ctx, "exports/base.okl1", bytes.NewReader(payload), core.PutOptions{
		ContentType: "application/zip",
		Metadata:    map[string]string{"layer": "base"},
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if info.Size != int64(len(payload)) || info.ContentType != "application/zip" || info.ETag == "" {
		t.Fatalf("unexpected info %+v", info)
	}
	if info.Metadata["layer"] != "base" {
		t.Fatalf("expected metadata round trip, got %+v", info.Metadata)
	}
	_, rc, err := store.Get(ctx, "exports/base.okl1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload mismatch (%d bytes)", len(got))
	}
}

func TestMockStoreListIsSortedAndPrefixed(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests()
	for _, k := range []string{"exports/c", "exports/a", "other/b", "exports/b"} {
		if _, err := store.Put(ctx, k, strings.NewReader(k), core.PutOptions{}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	list, err := store.List(ctx, "exports/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var keys []string
	for _, info := range list {
		keys = append(keys, info.Key)
	}
	if fmt.Sprint(keys) != "[exports/a exports/b exports/c]" {
		t.Fatalf("unexpected keys %v", keys)
	}
}

func TestMockStoreErrorTranslation(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests()
	if _, err := store.Head(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("head: expected ErrNotFound, got %v", err)
	}
	if _, _, err := store.Get(ctx, "missing"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("get: expected ErrNotFound, got %v", err)
	}
	if _, err := store.Put(ctx, "k", strings.NewReader("1"), core.PutOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := store.Put(ctx, "k", strings.NewReader("2"), core.PutOptions{}); !errors.Is(err, core.ErrExists) {
		t.Fatalf("expected ErrExists, got %v", err)
	}
	if ok, err := store.Delete(ctx, "k"); err != nil || !ok {
		t.Fatalf("delete: %v %v", ok, err)
	}
	if ok, err := store.Delete(ctx, "k"); err != nil || ok {
		t.Fatalf("second delete: %v %v", ok, err)
	}
}

func TestMockStorePresign(t *testing.T) {
	ctx := context.Background()
	store := NewMockForTests()
	url, err := store.PresignURL(ctx, "exports/base.okl1", core.SignedURLOptions{Expiry: time.Minute})
	if err != nil {
		t.Fatalf("presign: %v", err)
	}
	if !strings.Contains(url, "mock-bucket/exports/base.okl1") || !strings.Contains(url, "X-Amz-Expires=60") {
		t.Fatalf("unexpected url %s", url)
	}
	if _, err := store.PresignURL(ctx, "k", core.SignedURLOptions{Method: "DELETE"}); !errors.Is(err, core.ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), Config{}); err == nil {
		t.Fatalf("expected bucket error")
	}
}

func TestDecodeChunked(t *testing.T) {
	raw := []byte("5;chunk-signature=abc\r\nhello\r\n3\r\n\r\nx\r\n0\r\nx-amz-checksum-crc32:AAAA\r\n\r\n")
	got, err := decodeChunked(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(got) != "hello\r\nx" {
		t.Fatalf("unexpected payload %q", got)
	}
	if _, err := decodeChunked([]byte("zz\r\n")); err == nil {
		t.Fatalf("expected size error")
	}
}
