// Package protocol defines the peerdrop wire format: the request sent by a
// client immediately after connecting, the response frame the server answers
// with, and the transfer frame that carries file metadata and payload.
//
// # Request
//
// A request is a one-byte kind followed, for Get, by a length-prefixed UTF-8
// path:
//
//	Upload:  0x01
//	Get:     0x02 | len:u32 | path
//
// An empty Get path and the path "/" both denote the server root.
//
// # Response
//
// The server answers each request with a status frame, and answers a completed
// upload with a second one:
//
//	status:u8 | len:u16 | message
//
// # Transfer Frame
//
//	count:u32
//	count × ( pathLen:u32 | path | size:u64 | size payload bytes )
//
// Paths inside a transfer frame are slash separated and relative. File
// boundaries come from the size fields only; the chunk size used to move the
// payload is not visible on the wire.
//
// # Errors
//
// Decoding fails closed. Every decode failure wraps ErrProtocol, refined by
// ErrMalformedFrame, ErrTruncatedFrame or ErrUnknownRequest:
//
//	req, err := protocol.ReadRequest(conn)
//	if errors.Is(err, protocol.ErrProtocol) {
//	    // abort the session
//	}
//
// All integers are big-endian.
package protocol
