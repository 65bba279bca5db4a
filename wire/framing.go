// Copyright 2018 The Gringo Developers. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

package wire

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

// magicCode is expected at the start of every frame.
var magicCode = [2]byte{0x70, 0x70}

const maxFrameLen uint32 = 20_000_000

type frameKind uint8

const (
	frameRequest frameKind = iota
	frameResponse
	frameMessage
)

// frameHeader is the on-wire header: magic, kind, a 16-byte correlation id
// (zero for fire-and-forget messages), the procedure name and body length.
type frameHeader struct {
	kind    frameKind
	corrID  [16]byte
	nameLen uint16
	dataLen uint32
}

func (h *frameHeader) write(w io.Writer) error {
	if _, err := w.Write(magicCode[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, uint8(h.kind)); err != nil {
		return err
	}
	if _, err := w.Write(h.corrID[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.BigEndian, h.nameLen); err != nil {
		return err
	}
	return binary.Write(w, binary.BigEndian, h.dataLen)
}

func (h *frameHeader) read(r io.Reader) error {
	var magic [2]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return err
	}
	if magic != magicCode {
		return errors.New("wire: bad magic code")
	}

	var kind uint8
	if err := binary.Read(r, binary.BigEndian, &kind); err != nil {
		return err
	}
	h.kind = frameKind(kind)

	if _, err := io.ReadFull(r, h.corrID[:]); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &h.nameLen); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &h.dataLen); err != nil {
		return err
	}
	if h.dataLen > maxFrameLen {
		return errors.New("wire: frame too large")
	}
	return nil
}

// writeFrame writes kind+corrID+name+data to w through a buffered writer,
// flushing once the whole frame has been written.
func writeFrame(w io.Writer, kind frameKind, corrID [16]byte, name string, data []byte) error {
	bw := bufio.NewWriter(w)
	h := frameHeader{kind: kind, corrID: corrID, nameLen: uint16(len(name)), dataLen: uint32(len(data))}
	if err := h.write(bw); err != nil {
		return err
	}
	if _, err := bw.WriteString(name); err != nil {
		return err
	}
	if _, err := bw.Write(data); err != nil {
		return err
	}
	return bw.Flush()
}

// readFrame reads one frame from r.
func readFrame(r io.Reader) (frameHeader, Packet, error) {
	var h frameHeader
	if err := h.read(r); err != nil {
		return h, Packet{}, err
	}

	name := make([]byte, h.nameLen)
	if _, err := io.ReadFull(r, name); err != nil {
		return h, Packet{}, err
	}

	data := make([]byte, h.dataLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return h, Packet{}, err
	}

	return h, Packet{Name: string(name), Data: data}, nil
}
