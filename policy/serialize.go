package policy

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
)

// Serialization format version. Bumped whenever the node/manifest wire
// shape changes incompatibly.
const wireVersion = 1

var (
	ErrUnsupportedVersion = errors.New("policy: unsupported serialization version")
	ErrTruncated          = errors.New("policy: truncated buffer")
)

// Serialize renders the manifest tree into the compact buffer handed to
// the interception layer at spawn time (spec.md §4.2, §6). The exact
// byte shape is private between the core and its producer; only the
// Serialize∘Deserialize = identity round trip is load-bearing.
func Serialize(m *Manifest) []byte {
	var buf bytes.Buffer
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], wireVersion)
	buf.Write(hdr[:])

	writeBool(&buf, m.foldCase)
	writeBool(&buf, m.ReportingMode)
	writeString(&buf, m.PipID)

	writeVarint(&buf, uint64(len(m.Translations)))
	for _, tr := range m.Translations {
		writeString(&buf, tr.Source)
		writeString(&buf, tr.Target)
	}

	writeGlobSet(&buf, m.BreakawayImages)
	writeNode(&buf, m.Root)
	return buf.Bytes()
}

// Deserialize parses a buffer produced by Serialize.
func Deserialize(data []byte) (*Manifest, error) {
	r := bytes.NewReader(data)
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, ErrTruncated
	}
	if binary.LittleEndian.Uint16(hdr[:]) != wireVersion {
		return nil, ErrUnsupportedVersion
	}

	m := &Manifest{}
	var err error
	if m.foldCase, err = readBool(r); err != nil {
		return nil, err
	}
	if m.ReportingMode, err = readBool(r); err != nil {
		return nil, err
	}
	if m.PipID, err = readString(r); err != nil {
		return nil, err
	}

	n, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < n; i++ {
		src, err := readString(r)
		if err != nil {
			return nil, err
		}
		dst, err := readString(r)
		if err != nil {
			return nil, err
		}
		m.Translations = append(m.Translations, PathTranslation{Source: src, Target: dst})
	}

	if m.BreakawayImages, err = readGlobSet(r); err != nil {
		return nil, err
	}
	if m.Root, err = readNode(r); err != nil {
		return nil, err
	}
	return m, nil
}

func writeNode(buf *bytes.Buffer, n *Node) {
	writeString(buf, n.Name)
	var rights [4]byte
	binary.LittleEndian.PutUint16(rights[0:2], uint16(n.Policy))
	binary.LittleEndian.PutUint16(rights[2:4], uint16(n.Scope))
	buf.Write(rights[:])

	writeVarint(buf, uint64(len(n.ExpectedHash)))
	buf.Write(n.ExpectedHash)

	writeGlobSet(buf, n.ConeAllowlist)
	writeGlobSet(buf, n.TrustedTools)
	writeGlobSet(buf, GlobSet{Patterns: n.EnumeratePatterns})

	writeVarint(buf, uint64(len(n.Children)))
	for _, child := range n.Children {
		writeNode(buf, child)
	}
}

func readNode(r *bytes.Reader) (*Node, error) {
	name, err := readString(r)
	if err != nil {
		return nil, err
	}
	n := newNode(name)

	var rights [4]byte
	if _, err := io.ReadFull(r, rights[:]); err != nil {
		return nil, ErrTruncated
	}
	n.Policy = Rights(binary.LittleEndian.Uint16(rights[0:2]))
	n.Scope = Rights(binary.LittleEndian.Uint16(rights[2:4]))

	hashLen, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	if hashLen > 0 {
		n.ExpectedHash = make([]byte, hashLen)
		if _, err := io.ReadFull(r, n.ExpectedHash); err != nil {
			return nil, ErrTruncated
		}
	}

	if n.ConeAllowlist, err = readGlobSet(r); err != nil {
		return nil, err
	}
	if n.TrustedTools, err = readGlobSet(r); err != nil {
		return nil, err
	}
	enumPatterns, err := readGlobSet(r)
	if err != nil {
		return nil, err
	}
	if len(enumPatterns.Patterns) > 0 {
		n.EnumeratePatterns = enumPatterns.Patterns
	}

	childCount, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	for i := uint64(0); i < childCount; i++ {
		child, err := readNode(r)
		if err != nil {
			return nil, err
		}
		n.Children[child.Name] = child
	}
	return n, nil
}

func writeGlobSet(buf *bytes.Buffer, gs GlobSet) {
	writeVarint(buf, uint64(len(gs.Patterns)))
	for _, p := range gs.Patterns {
		writeString(buf, p)
	}
}

func readGlobSet(r *bytes.Reader) (GlobSet, error) {
	n, err := readVarint(r)
	if err != nil {
		return GlobSet{}, err
	}
	patterns := make([]string, 0, n)
	for i := uint64(0); i < n; i++ {
		p, err := readString(r)
		if err != nil {
			return GlobSet{}, err
		}
		patterns = append(patterns, p)
	}
	return NewGlobSet(patterns...), nil
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, ErrTruncated
	}
	return b != 0, nil
}

func writeString(buf *bytes.Buffer, s string) {
	writeVarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func readString(r *bytes.Reader) (string, error) {
	n, err := readVarint(r)
	if err != nil {
		return "", err
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", ErrTruncated
	}
	return string(b), nil
}

func writeVarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func readVarint(r *bytes.Reader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, ErrTruncated
	}
	return v, nil
}
