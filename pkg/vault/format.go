package vault

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sort"
	"time"
)

// On-disk format, all integers big endian:
//
//	magic[8] version[1] kdf[1]
//	entry*:
//	  nameLen[2] name
//	  nonceLen[1] nonce
//	  ctLen[4] ciphertext||tag
//	  createdAtUnix[8] updatedAtUnix[8]

// FormatVersion is bumped on any incompatible layout change
const FormatVersion = 1

// kdfRawKey means the key file holds the raw 32-byte key (no derivation)
const kdfRawKey = 0

var magic = [8]byte{'B', 'O', 'T', 'D', 'O', 'C', 'K', 'V'}

func encodeFile(secrets map[string]*Secret) []byte {
	names := make([]string, 0, len(secrets))
	for name := range secrets {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	buf.Write(magic[:])
	buf.WriteByte(FormatVersion)
	buf.WriteByte(kdfRawKey)

	for _, name := range names {
		sec := secrets[name]
		writeUint16(&buf, uint16(len(sec.Name)))
		buf.WriteString(sec.Name)
		buf.WriteByte(byte(len(sec.Nonce)))
		buf.Write(sec.Nonce)
		writeUint32(&buf, uint32(len(sec.Ciphertext)))
		buf.Write(sec.Ciphertext)
		writeInt64(&buf, sec.CreatedAt.Unix())
		writeInt64(&buf, sec.UpdatedAt.Unix())
	}
	return buf.Bytes()
}

func decodeFile(data []byte) (map[string]*Secret, error) {
	r := bytes.NewReader(data)

	var header [10]byte
	if _, err := readFull(r, header[:]); err != nil {
		return nil, fmt.Errorf("vault file too short")
	}
	if !bytes.Equal(header[:8], magic[:]) {
		return nil, fmt.Errorf("not a botdock vault file")
	}
	if header[8] != FormatVersion {
		return nil, fmt.Errorf("unsupported vault format version %d (this build understands %d)", header[8], FormatVersion)
	}
	if header[9] != kdfRawKey {
		return nil, fmt.Errorf("unsupported key derivation id %d", header[9])
	}

	secrets := map[string]*Secret{}
	for r.Len() > 0 {
		sec, err := decodeEntry(r)
		if err != nil {
			return nil, fmt.Errorf("corrupt vault entry: %w", err)
		}
		secrets[sec.Name] = sec
	}
	return secrets, nil
}

func decodeEntry(r *bytes.Reader) (*Secret, error) {
	nameLen, err := readUint16(r)
	if err != nil {
		return nil, err
	}
	name := make([]byte, nameLen)
	if _, err := readFull(r, name); err != nil {
		return nil, err
	}

	nonceLen, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceLen)
	if _, err := readFull(r, nonce); err != nil {
		return nil, err
	}

	ctLen, err := readUint32(r)
	if err != nil {
		return nil, err
	}
	ciphertext := make([]byte, ctLen)
	if _, err := readFull(r, ciphertext); err != nil {
		return nil, err
	}

	created, err := readInt64(r)
	if err != nil {
		return nil, err
	}
	updated, err := readInt64(r)
	if err != nil {
		return nil, err
	}

	return &Secret{
		Name:       string(name),
		Nonce:      nonce,
		Ciphertext: ciphertext,
		CreatedAt:  time.Unix(created, 0).UTC(),
		UpdatedAt:  time.Unix(updated, 0).UTC(),
	}, nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}

func readUint16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readUint32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func readInt64(r *bytes.Reader) (int64, error) {
	var b [8]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b[:])), nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	n, err := r.Read(b)
	if err != nil || n != len(b) {
		return n, fmt.Errorf("truncated vault data")
	}
	return n, nil
}
