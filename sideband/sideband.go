// Package sideband implements C6: the per-pip append-only write
// journal, used to scrub stale outputs on incremental runs.
//
// Grounded on the teacher's sideband-adjacent disciplines: single-writer
// file ownership and atomic publish from gofrs/flock + google/renameio
// (the same combination the teacher's config/loader.go and ingest
// state-file handling lean on for "never publish a half-written file"),
// and minio/highwayhash for the pip hash used to name the file.
package sideband

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"github.com/google/renameio"
	"github.com/minio/highwayhash"
)

const (
	formatVersion  = 1
	envelopeMagic  = "SBJ1"
	hashKeyPadded  = "sandboxed-process-sideband-hash" // expanded/truncated to 32 bytes below
)

var hashKey = makeHashKey()

func makeHashKey() []byte {
	k := make([]byte, 32)
	copy(k, hashKeyPadded)
	return k
}

// PipSemiStableHash derives the short, non-cryptographic hash used to
// name a pip's sideband file (spec.md §4.6); "semi-stable" because it
// is keyed only on the pip identifier, not on file content.
func PipSemiStableHash(pipID string) uint64 {
	return highwayhash.Sum64(hashKey, []byte(pipID))
}

// FileName returns the sideband file name for pipID under root.
func FileName(root, pipID string) string {
	return filepath.Join(root, formatHash(PipSemiStableHash(pipID))+".sb")
}

func formatHash(h uint64) string {
	const hexdigits = "0123456789abcdef"
	b := make([]byte, 16)
	for i := 15; i >= 0; i-- {
		b[i] = hexdigits[h&0xf]
		h >>= 4
	}
	return string(b)
}

var (
	ErrBadEnvelope  = errors.New("sideband: bad envelope magic")
	ErrUnsupported  = errors.New("sideband: unsupported format version")
	ErrNotUnderRoot = errors.New("sideband: path not under a declared write-scope root")
)

// Writer owns one pip's journal file. Not thread-safe: the decode loop
// (or the augmented-reporter thread under its own mutex) is the only
// caller, per spec.md §5's "C6 writers are touched only from the
// decode loop" discipline.
type Writer struct {
	path            string
	pipID           string
	staticFingerprint []byte
	roots           []string

	lock *flock.Flock
	f    *os.File
	bw   *bufio.Writer

	seen map[string]struct{}
}

// NewWriter creates (or truncates) the journal file for pipID under
// root, guarded by a flock so a stale lock from a crashed prior run
// does not silently corrupt a new one.
func NewWriter(root, pipID string, staticFingerprint []byte, writeScopeRoots []string) (*Writer, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := FileName(root, pipID)
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, err
	}
	if !locked {
		return nil, errors.New("sideband: journal already locked by another writer")
	}

	f, err := os.Create(path)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	w := &Writer{
		path:              path,
		pipID:             pipID,
		staticFingerprint: staticFingerprint,
		roots:             normalizeRoots(writeScopeRoots),
		lock:              lock,
		f:                 f,
		bw:                bufio.NewWriter(f),
		seen:              make(map[string]struct{}),
	}
	if err := w.writeHeader(); err != nil {
		f.Close()
		lock.Unlock()
		return nil, err
	}
	return w, nil
}

func normalizeRoots(roots []string) []string {
	out := make([]string, len(roots))
	for i, r := range roots {
		out[i] = filepath.Clean(r)
	}
	return out
}

func (w *Writer) writeHeader() error {
	w.bw.WriteString(envelopeMagic)
	var vbuf [2]byte
	binary.LittleEndian.PutUint16(vbuf[:], formatVersion)
	w.bw.Write(vbuf[:])
	// checksum placeholder, patched on Close.
	var zero [8]byte
	w.bw.Write(zero[:])

	writeLenPrefixed(w.bw, []byte(w.pipID))
	writeLenPrefixed(w.bw, w.staticFingerprint)
	return w.bw.Flush()
}

// RecordWrite journals path if it lies under one of the writer's
// declared roots and has not already been recorded (spec.md I5).
// Returns false, nil if the path was outside scope (not an error: the
// aggregator calls this for every write regardless of scope).
func (w *Writer) RecordWrite(path string) (bool, error) {
	clean := filepath.Clean(path)
	if !w.underRoot(clean) {
		return false, nil
	}
	if _, dup := w.seen[clean]; dup {
		return true, nil
	}
	w.seen[clean] = struct{}{}
	writeLenPrefixed(w.bw, []byte(clean))
	return true, w.bw.Flush()
}

func (w *Writer) underRoot(path string) bool {
	for _, r := range w.roots {
		if path == r || strings.HasPrefix(path, r+string(filepath.Separator)) {
			return true
		}
	}
	return false
}

// Close finalises the envelope checksum and releases the file lock. A
// non-crashing Close leaves a well-formed file (spec.md §4.6); it
// rewrites the file atomically via renameio so a reader never observes
// a half-patched checksum.
func (w *Writer) Close() error {
	defer w.lock.Unlock()
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return err
	}
	if err := w.f.Close(); err != nil {
		return err
	}

	raw, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	checksum := highwayhash.Sum64(hashKey, raw[14:]) // past magic+version+placeholder
	binary.LittleEndian.PutUint64(raw[6:14], checksum)

	t, err := renameio.TempFile("", w.path)
	if err != nil {
		return err
	}
	defer t.Cleanup()
	if _, err := t.Write(raw); err != nil {
		return err
	}
	return t.CloseAtomicallyReplace()
}

func writeLenPrefixed(w *bufio.Writer, b []byte) {
	var lbuf [4]byte
	binary.LittleEndian.PutUint32(lbuf[:], uint32(len(b)))
	w.Write(lbuf[:])
	w.Write(b)
}

// Reader yields a sideband file's recorded paths lazily (spec.md
// §4.6). A truncated tail is tolerated: Next returns io.EOF as soon as
// a partial record is seen, even mid-file.
type Reader struct {
	r             *bufio.Reader
	pipID         string
	staticFingerprint []byte
	checksumOK    bool
}

// OpenReader opens path and validates its envelope. skipChecksum
// allows reading a file whose checksum cannot be trusted (e.g. a
// recovered crash journal) without failing outright.
func OpenReader(path string, skipChecksum bool) (*Reader, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(data) < 14 || string(data[:4]) != envelopeMagic {
		return nil, ErrBadEnvelope
	}
	if binary.LittleEndian.Uint16(data[4:6]) != formatVersion {
		return nil, ErrUnsupported
	}
	storedChecksum := binary.LittleEndian.Uint64(data[6:14])
	rest := data[14:]

	checksumOK := true
	if !skipChecksum {
		// zero the stored checksum bytes' on-disk position conceptually:
		// the checksum covers everything after the placeholder, so
		// compare against rest directly.
		checksumOK = highwayhash.Sum64(hashKey, rest) == storedChecksum
	}

	br := bufio.NewReader(bytes.NewReader(rest))
	r := &Reader{r: br, checksumOK: checksumOK}

	pipID, err := readLenPrefixed(br)
	if err != nil {
		return nil, err
	}
	r.pipID = string(pipID)
	fp, err := readLenPrefixed(br)
	if err != nil {
		return nil, err
	}
	r.staticFingerprint = fp
	return r, nil
}

// ChecksumOK reports whether the envelope checksum verified.
func (r *Reader) ChecksumOK() bool { return r.checksumOK }

// PipID returns the pip identifier recorded in the envelope.
func (r *Reader) PipID() string { return r.pipID }

// Next returns the next recorded path, or io.EOF when the journal is
// exhausted (cleanly or via a truncated tail — both report success per
// spec.md §4.6).
func (r *Reader) Next() (string, error) {
	b, err := readLenPrefixed(r.r)
	if err != nil {
		return "", io.EOF
	}
	return string(b), nil
}

// All drains the reader into a slice, for small journals where lazy
// iteration isn't needed.
func (r *Reader) All() ([]string, error) {
	var out []string
	for {
		p, err := r.Next()
		if err != nil {
			return out, nil
		}
		out = append(out, p)
	}
}

func readLenPrefixed(r *bufio.Reader) ([]byte, error) {
	var lbuf [4]byte
	if _, err := io.ReadFull(r, lbuf[:]); err != nil {
		return nil, io.EOF
	}
	n := binary.LittleEndian.Uint32(lbuf[:])
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, io.EOF
	}
	return b, nil
}
