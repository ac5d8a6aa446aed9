// Package netlink owns the NETLINK_CONNECTOR socket the process events feed
// is read from.
package netlink

import "time"

// DefaultPollInterval bounds how long Receive blocks before returning
// os.ErrDeadlineExceeded, so the reader can notice shutdown requests.
const DefaultPollInterval = 500 * time.Millisecond

// DefaultBufferSize fits several connector messages per datagram.
const DefaultBufferSize = 8192
