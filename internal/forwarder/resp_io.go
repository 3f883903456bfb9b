package forwarder

import (
	"net"

	"marchproxy-dblb/internal/resp"
)

// readOneValue blocks until a complete RESP value has arrived on conn,
// feeding p as data comes in. Bytes read past the end of the returned
// value (pipelined commands, for example) stay buffered in p for the
// next call.
func readOneValue(conn net.Conn, p *resp.Parser) (*resp.Value, error) {
	buf := make([]byte, 4096)
	for {
		v, err := p.Next()
		if err != nil {
			return nil, err
		}
		if v != nil {
			return v, nil
		}
		n, err := conn.Read(buf)
		if n > 0 {
			p.Feed(buf[:n])
		}
		if err != nil {
			return nil, err
		}
	}
}

// commandKey extracts the slot-relevant key from a RESP command array:
// the first argument after the verb. Commands with fewer than two
// elements, or whose elements aren't bulk strings, have no single key.
func commandKey(cmd *resp.Value) ([]byte, bool) {
	if cmd.Type != resp.TypeArray || cmd.ArrayNull || len(cmd.Array) < 2 {
		return nil, false
	}
	arg := cmd.Array[1]
	if arg.Type != resp.TypeBulkString || arg.BulkNull {
		return nil, false
	}
	return arg.Bulk, true
}
