// Copyright 2018 The Gringo Developers. All rights reserved.
// Use of this source code is governed by a GNU GENERAL PUBLIC LICENSE v3
// license that can be found in the LICENSE file.

package peerpool

import "errors"

// Error taxonomy surfaced synchronously to the host. Background failures
// (node-info push, status fetch, per-peer socket errors) never surface
// this way; they become events instead.
var (
	ErrRequestFail   = errors.New("peerpool: request failed")
	ErrSendFail      = errors.New("peerpool: send failed")
	ErrDuplicatePeer = errors.New("peerpool: peer already present")
	ErrPeerNotFound  = errors.New("peerpool: peer not found")
)
