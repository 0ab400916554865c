package node

import "errors"

var (
	errInvalidTransportMode     = errors.New("node: invalid transport mode")
	errUnexpectedOnPublishStream = errors.New("node: expected FRAGMENT or FIN_DATAGRAM on publish stream")
)
