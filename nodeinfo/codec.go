// Copyright 2018 The Gringo Developers. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

package nodeinfo

import (
	"bytes"
	"encoding/binary"
	"io"
)

// writeString writes a [len][bytes] string.
func writeString(buf *bytes.Buffer, s string) error {
	if err := binary.Write(buf, binary.BigEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := buf.WriteString(s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.BigEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// Bytes encodes the discovered attributes for the wire as a sequence of
// fixed-width fields interleaved with length-prefixed strings.
func (a DiscoveredAttributes) Bytes() []byte {
	buf := new(bytes.Buffer)
	writeString(buf, a.Version)
	binary.Write(buf, binary.BigEndian, a.Height)
	writeString(buf, a.Broadhash)
	binary.Write(buf, binary.BigEndian, a.Nonce)
	writeString(buf, a.OS)
	binary.Write(buf, binary.BigEndian, a.HTTPPort)
	binary.Write(buf, binary.BigEndian, a.ProtocolVersion)
	return buf.Bytes()
}

// ReadDiscoveredAttributes decodes what Bytes wrote.
func ReadDiscoveredAttributes(r io.Reader) (DiscoveredAttributes, error) {
	var a DiscoveredAttributes
	var err error

	if a.Version, err = readString(r); err != nil {
		return a, err
	}
	if err = binary.Read(r, binary.BigEndian, &a.Height); err != nil {
		return a, err
	}
	if a.Broadhash, err = readString(r); err != nil {
		return a, err
	}
	if err = binary.Read(r, binary.BigEndian, &a.Nonce); err != nil {
		return a, err
	}
	if a.OS, err = readString(r); err != nil {
		return a, err
	}
	if err = binary.Read(r, binary.BigEndian, &a.HTTPPort); err != nil {
		return a, err
	}
	if err = binary.Read(r, binary.BigEndian, &a.ProtocolVersion); err != nil {
		return a, err
	}

	return a, nil
}
