package codec

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Header is the record count header shared by metadata and payload files.
type Header struct {
	// Extended is set when the file used the negative token form.
	Extended bool
	Version  int32
	Count    int32
}

// ReadHeader reads a record count header from r.
func ReadHeader(r io.Reader) (Header, error) {
	token, err := readInt32(r)
	if err != nil {
		return Header{}, errors.Wrap(err, "reading header token")
	}
	if token >= 0 {
		return Header{Count: token}, nil
	}

	version, err := readInt32(r)
	if err != nil {
		return Header{}, errors.Wrap(err, "reading header version")
	}
	count, err := readInt32(r)
	if err != nil {
		return Header{}, errors.Wrap(err, "reading header count")
	}
	if count < 0 {
		count = 0
	}
	return Header{Extended: true, Version: version, Count: count}, nil
}

// WriteHeader writes h. Extended headers are written with a token of -1.
func WriteHeader(w io.Writer, h Header) error {
	if !h.Extended {
		return writeInt32(w, h.Count)
	}
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[0:], uint32(0xFFFFFFFF))
	binary.BigEndian.PutUint32(buf[4:], uint32(h.Version))
	binary.BigEndian.PutUint32(buf[8:], uint32(h.Count))
	_, err := w.Write(buf[:])
	return err
}

func readInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

func writeInt32(w io.Writer, v int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])
	return err
}
