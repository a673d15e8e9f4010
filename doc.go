// Copyright 2014 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

// Package peerpool is the single authority over a node's outbound and
// inbound TCP-level peer connections. It dials, authenticates, tracks,
// throttles, demotes, swaps and tears down connections, and exposes a
// typed message channel to the layers above it.
//
// The raw encrypted transport, the bandwidth-fair I/O scheduler, the
// on-disk codec for peer metadata, the identity/keypair primitives and
// command-line/config parsing are all external collaborators supplied by
// the caller; this package is the orchestration core around them.
package peerpool
