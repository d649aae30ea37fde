package gcs

import (
	"context"
	"testing"
)

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background()); err == nil {
		t.Fatal("expected error without bucket")
	}
}

func TestClientOptions(t *testing.T) {
	t.Run("default credentials", func(t *testing.T) {
		opts, err := clientOptions(&options{})
		if err != nil {
			t.Fatal(err)
		}
		if len(opts) != 0 {
			t.Errorf("got %d options, want 0", len(opts))
		}
	})

	t.Run("api key and endpoint", func(t *testing.T) {
		opts, err := clientOptions(&options{apiKey: "k", endpoint: "http://localhost:4443/storage/v1/"})
		if err != nil {
			t.Fatal(err)
		}
		if len(opts) != 2 {
			t.Errorf("got %d options, want 2", len(opts))
		}
	})

	t.Run("bad credentials json", func(t *testing.T) {
		if _, err := clientOptions(&options{credentialsJSON: []byte("{")}); err == nil {
			t.Error("expected error for malformed json")
		}
	})
}

func TestObjectKey(t *testing.T) {
	b := &Blob{prefix: "backups"}
	if got := b.objectKey("id/manifest.json"); got != "backups/id/manifest.json" {
		t.Errorf("objectKey = %q", got)
	}
	b.prefix = ""
	if got := b.objectKey("id/manifest.json"); got != "id/manifest.json" {
		t.Errorf("objectKey = %q", got)
	}
}
