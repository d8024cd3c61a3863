// Package blob gives the gateway and orchestrator a place to put and fetch
// the bytes an audio_blob_ref/transcript_blob_ref opaquely names. A real
// object-storage wrapper (bucket credentials, CDN, multi-region) is out of
// scope here — core code only ever deals in the ref string, never the
// bytes' actual home, so Store stays a small seam rather than a client for
// any particular cloud SDK. Shaped after BucketService (Put/Get/key naming)
// but deliberately not wired to cloud.google.com/go/storage, since nothing
// in this domain needs a specific object-storage backend to exercise its
// contract.
package blob

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Store puts and fetches blobs by opaque ref. Implementations are free to
// back onto local disk, an object store, or anything else the deployer
// wires in — Dalston's core only ever round-trips the ref string.
type Store interface {
	Put(prefix string, r io.Reader) (ref string, err error)
	Open(ref string) (io.ReadCloser, error)
}

// localStore is a filesystem-backed Store rooted at baseDir — the minimal
// implementation that lets the gateway and export handlers function without
// pulling in a cloud object-storage SDK.
type localStore struct {
	baseDir string
}

func NewLocalStore(baseDir string) (Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("blob: create base dir: %w", err)
	}
	return &localStore{baseDir: baseDir}, nil
}

func (s *localStore) Put(prefix string, r io.Reader) (string, error) {
	ref := filepath.Join(prefix, uuid.New().String())
	full := filepath.Join(s.baseDir, ref)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return "", fmt.Errorf("blob: create dir: %w", err)
	}
	f, err := os.Create(full)
	if err != nil {
		return "", fmt.Errorf("blob: create file: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return "", fmt.Errorf("blob: write file: %w", err)
	}
	return ref, nil
}

func (s *localStore) Open(ref string) (io.ReadCloser, error) {
	full := filepath.Join(s.baseDir, ref)
	f, err := os.Open(full)
	if err != nil {
		return nil, fmt.Errorf("blob: open %q: %w", ref, err)
	}
	return f, nil
}
