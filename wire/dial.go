// Copyright 2018 The Gringo Developers. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

package wire

import (
	"context"
	"net"
)

// DialTCP opens a TCPSocket to addr, honoring ctx's deadline. Suitable as a
// peerconn.Dialer once wrapped: DialTCP takes a plain address, so the
// wrapper builds addr from the PeerInfo's IP and wsPort.
func DialTCP(ctx context.Context, addr string) (*TCPSocket, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return NewTCPSocket(conn), nil
}
