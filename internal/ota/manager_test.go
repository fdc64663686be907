package ota

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/poolheat/controller/internal/errors"
	"github.com/poolheat/controller/internal/partition"
	"github.com/poolheat/controller/internal/storage"
)

type fakeRebooter struct {
	reasons chan string
}

func (r *fakeRebooter) Reboot(reason string) {
	r.reasons <- reason
}

type harness struct {
	store    *storage.SQLiteStore
	sched    *partition.Scheduler
	rebooter *fakeRebooter
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := storage.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	flash, err := partition.NewFileFlash(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rb := &fakeRebooter{reasons: make(chan string, 4)}
	sched := partition.NewScheduler(store, flash, rb, partition.Options{Events: store})
	if _, err := sched.Boot(context.Background()); err != nil {
		t.Fatalf("Boot failed: %v", err)
	}
	return &harness{store: store, sched: sched, rebooter: rb}
}

func (h *harness) manager(opts Options) *Manager {
	if opts.RebootDelay == 0 {
		opts.RebootDelay = 10 * time.Millisecond
	}
	opts.Events = h.store
	return NewManager(h.sched, h.rebooter, opts)
}

func testImage(n int) ([]byte, string) {
	img := bytes.Repeat([]byte("poolheat-fw!"), n/12+1)[:n]
	sum := sha256.Sum256(img)
	return img, hex.EncodeToString(sum[:])
}

func TestUpload_ChecksumOnly(t *testing.T) {
	h := newHarness(t)
	m := h.manager(Options{MaxImageSize: 64 * 1024})

	img, sum := testImage(10000)
	res, err := m.Upload(context.Background(), bytes.NewReader(img), Request{
		DeclaredSize: int64(len(img)), ExpectedSHA256: sum, Version: "2.0.0",
	})
	if err != nil {
		t.Fatalf("Upload failed: %v", err)
	}
	if !res.OK || res.SHA256 != sum || res.Size != 10000 || res.Slot != "B" || res.SignatureVerified {
		t.Errorf("result = %+v", res)
	}

	rec := h.sched.Record()
	if rec.Active != partition.SlotA || rec.Next == nil || *rec.Next != partition.SlotB {
		t.Errorf("record after upload: active=%s next=%v", rec.Active, rec.Next)
	}
	if rec.Slots[partition.SlotB].Status != partition.StatusPending {
		t.Errorf("slot B status = %s, want pending", rec.Slots[partition.SlotB].Status)
	}

	select {
	case <-h.rebooter.reasons:
	case <-time.After(2 * time.Second):
		t.Fatal("no reboot after a successful upload")
	}

	p := m.Progress()
	if p.Current != nil || p.Last == nil || !p.Last.OK {
		t.Errorf("progress = %+v", p)
	}
}

func TestUpload_Signed(t *testing.T) {
	privPEM, pubPEM, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	priv, err := ParsePrivateKey(privPEM)
	if err != nil {
		t.Fatal(err)
	}
	pub, err := ParsePublicKey(pubPEM)
	if err != nil {
		t.Fatal(err)
	}

	img, _ := testImage(5000)
	digest := sha256.Sum256(img)
	sig, err := SignDigest(priv, digest[:])
	if err != nil {
		t.Fatal(err)
	}

	t.Run("valid", func(t *testing.T) {
		h := newHarness(t)
		m := h.manager(Options{MaxImageSize: 64 * 1024, PublicKey: pub})
		res, err := m.Upload(context.Background(), bytes.NewReader(img), Request{
			DeclaredSize: int64(len(img)), Signature: sig,
		})
		if err != nil {
			t.Fatalf("Upload failed: %v", err)
		}
		if !res.SignatureVerified {
			t.Error("signature not marked verified")
		}
		m.Close()
	})

	t.Run("missing", func(t *testing.T) {
		h := newHarness(t)
		m := h.manager(Options{MaxImageSize: 64 * 1024, PublicKey: pub})
		_, err := m.Upload(context.Background(), bytes.NewReader(img), Request{DeclaredSize: int64(len(img))})
		if !errors.IsCode(err, errors.CodeSignatureMissing) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("tampered image", func(t *testing.T) {
		h := newHarness(t)
		m := h.manager(Options{MaxImageSize: 64 * 1024, PublicKey: pub})
		bad := append([]byte{}, img...)
		bad[100] ^= 0xff
		_, err := m.Upload(context.Background(), bytes.NewReader(bad), Request{
			DeclaredSize: int64(len(bad)), Signature: sig,
		})
		if !errors.IsCode(err, errors.CodeSignatureInvalid) {
			t.Fatalf("err = %v", err)
		}
		rec := h.sched.Record()
		if rec.Slots[partition.SlotB].Status != partition.StatusInvalid || rec.Next != nil {
			t.Errorf("rejected image left slot B %s next=%v", rec.Slots[partition.SlotB].Status, rec.Next)
		}
	})
}

// errReader fails after delivering its prefix.
type errReader struct {
	r   io.Reader
	err error
}

func (e *errReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	if err == io.EOF {
		return n, e.err
	}
	return n, err
}

func TestUpload_Rejections(t *testing.T) {
	img, sum := testImage(9000)

	tests := []struct {
		name     string
		body     io.Reader
		req      Request
		wantCode string
	}{
		{"zero size", bytes.NewReader(img), Request{DeclaredSize: 0, ExpectedSHA256: sum}, errors.CodeFirmwareSizeInvalid},
		{"too large", bytes.NewReader(img), Request{DeclaredSize: 1 << 20, ExpectedSHA256: sum}, errors.CodeFirmwareTooLarge},
		{"no checksum", bytes.NewReader(img), Request{DeclaredSize: 9000}, errors.CodeChecksumMissing},
		{"malformed checksum", bytes.NewReader(img), Request{DeclaredSize: 9000, ExpectedSHA256: "abc"}, errors.CodeValidationRequest},
		{"truncated", bytes.NewReader(img[:4000]), Request{DeclaredSize: 9000, ExpectedSHA256: sum}, errors.CodeFirmwareTruncated},
		{"overrun", bytes.NewReader(append(img, 'x')), Request{DeclaredSize: 9000, ExpectedSHA256: sum}, errors.CodeFirmwareOverrun},
		{"mismatch", bytes.NewReader(img), Request{DeclaredSize: 9000, ExpectedSHA256: hex.EncodeToString(make([]byte, 32))}, errors.CodeChecksumMismatch},
		{"client abort", &errReader{r: bytes.NewReader(img[:5000]), err: io.ErrUnexpectedEOF}, Request{DeclaredSize: 9000, ExpectedSHA256: sum}, errors.CodeFirmwareAborted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			m := h.manager(Options{MaxImageSize: 16 * 1024})
			_, err := m.Upload(context.Background(), tt.body, tt.req)
			if !errors.IsCode(err, tt.wantCode) {
				t.Fatalf("err = %v, want %s", err, tt.wantCode)
			}
			rec := h.sched.Record()
			if rec.Active != partition.SlotA || rec.Slots[partition.SlotA].Status != partition.StatusValid {
				t.Errorf("active slot disturbed: %+v", rec.Slots[partition.SlotA])
			}
			if rec.Next != nil {
				t.Errorf("next boot set after rejection: %v", *rec.Next)
			}
			// The staging lock must be released for the next attempt.
			st, err := h.sched.BeginStaging()
			if err != nil {
				t.Fatalf("BeginStaging after rejection: %v", err)
			}
			st.Abort("test")
		})
	}
}

func TestUpload_RejectionIsLogged(t *testing.T) {
	h := newHarness(t)
	m := h.manager(Options{MaxImageSize: 16 * 1024})
	img, sum := testImage(100)
	m.Upload(context.Background(), bytes.NewReader(img[:50]), Request{DeclaredSize: 100, ExpectedSHA256: sum})

	events, err := h.store.ListEvents(0)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, ev := range events {
		if ev.Kind == storage.EventFirmware && ev.Code == errors.CodeFirmwareTruncated {
			found = true
		}
	}
	if !found {
		t.Errorf("no truncation event in %+v", events)
	}
	if last := m.Progress().Last; last == nil || last.OK || last.ErrorCode != errors.CodeFirmwareTruncated {
		t.Errorf("last result = %+v", last)
	}
}

func TestUpload_Cancelled(t *testing.T) {
	h := newHarness(t)
	m := h.manager(Options{MaxImageSize: 16 * 1024})
	img, sum := testImage(8000)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Upload(ctx, bytes.NewReader(img), Request{DeclaredSize: 8000, ExpectedSHA256: sum})
	if !errors.IsCode(err, errors.CodeFirmwareAborted) {
		t.Errorf("err = %v", err)
	}
}

// blockingReader delivers one chunk and then blocks until released.
type blockingReader struct {
	first   []byte
	release chan struct{}
	once    sync.Once
	started chan struct{}
}

func (b *blockingReader) Read(p []byte) (int, error) {
	n := 0
	b.once.Do(func() {
		n = copy(p, b.first)
		close(b.started)
	})
	if n > 0 {
		return n, nil
	}
	<-b.release
	return 0, io.ErrUnexpectedEOF
}

func TestUpload_SingleFlight(t *testing.T) {
	h := newHarness(t)
	m := h.manager(Options{MaxImageSize: 16 * 1024})
	img, sum := testImage(8000)

	br := &blockingReader{first: img[:ChunkSize], release: make(chan struct{}), started: make(chan struct{})}
	done := make(chan error, 1)
	go func() {
		_, err := m.Upload(context.Background(), br, Request{DeclaredSize: 8000, ExpectedSHA256: sum})
		done <- err
	}()
	<-br.started

	if _, err := m.Upload(context.Background(), bytes.NewReader(img), Request{DeclaredSize: 8000, ExpectedSHA256: sum}); !errors.IsCode(err, errors.CodeConflictUpload) {
		t.Errorf("concurrent upload err = %v", err)
	}

	// Progress is visible while streaming.
	deadline := time.Now().Add(2 * time.Second)
	for {
		p := m.Progress()
		if p.Current != nil && p.Current.Streamed == ChunkSize {
			if p.Current.DeclaredSize != 8000 || p.Current.ID == "" {
				t.Errorf("current = %+v", p.Current)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("progress never reached one chunk: %+v", p.Current)
		}
		time.Sleep(time.Millisecond)
	}

	close(br.release)
	if err := <-done; !errors.IsCode(err, errors.CodeFirmwareAborted) {
		t.Errorf("first upload err = %v", err)
	}
}

func TestVerifySignature_Garbage(t *testing.T) {
	_, pubPEM, _ := GenerateKey()
	pub, _ := ParsePublicKey(pubPEM)
	digest := sha256.Sum256([]byte("x"))
	if err := VerifySignature(pub, digest[:], "!!not base64"); !errors.IsCode(err, errors.CodeSignatureInvalid) {
		t.Errorf("err = %v", err)
	}
	if _, err := ParsePublicKey([]byte("nope")); err == nil {
		t.Error("ParsePublicKey accepted garbage")
	}
	if key, err := LoadPublicKey(""); key != nil || err != nil {
		t.Errorf("LoadPublicKey(\"\") = %v, %v", key, err)
	}
}
