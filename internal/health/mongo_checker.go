package health

import (
	"context"
	"encoding/binary"
	"net"
)

const (
	opQuery        = 2004
	minReplyLength = 16
	maxReplyLength = 48 * 1024 * 1024
)

// MongoChecker probes a mongos/mongod endpoint with a minimal Wire
// Protocol isMaster OP_QUERY, validating only the reply framing (length
// header and BSON terminator), not the full document. TCPOnly degrades
// the probe to a bare connect check, the fallback the spec allows.
type MongoChecker struct {
	TCPOnly bool
}

func (c *MongoChecker) Check(ctx context.Context, addr string) Result {
	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		if ctx.Err() != nil {
			return timedOut(err.Error())
		}
		return unhealthy(err.Error())
	}
	defer conn.Close()

	if c.TCPOnly {
		return ok()
	}

	if deadline, hasDeadline := ctx.Deadline(); hasDeadline {
		_ = conn.SetDeadline(deadline)
	}

	req := buildIsMasterQuery(1)
	if _, err := conn.Write(req); err != nil {
		return unhealthy("write isMaster probe: " + err.Error())
	}

	header := make([]byte, 16)
	if _, err := readFull(conn, header); err != nil {
		if ctx.Err() != nil {
			return timedOut(err.Error())
		}
		return unhealthy("read reply header: " + err.Error())
	}
	messageLength := binary.LittleEndian.Uint32(header[0:4])
	if messageLength < minReplyLength || messageLength > maxReplyLength {
		return unhealthy("reply length out of bounds")
	}

	rest := make([]byte, messageLength-16)
	if len(rest) > 0 {
		if _, err := readFull(conn, rest); err != nil {
			if ctx.Err() != nil {
				return timedOut(err.Error())
			}
			return unhealthy("read reply body: " + err.Error())
		}
	}
	if len(rest) == 0 || rest[len(rest)-1] != 0x00 {
		return unhealthy("missing BSON document terminator")
	}
	return ok()
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// buildIsMasterQuery constructs a minimal OP_QUERY isMaster/hello
// command against admin.$cmd, per the MongoDB Wire Protocol's 16-byte
// header (total_length, request_id, response_to, op_code) followed by
// the OP_QUERY body.
func buildIsMasterQuery(requestID int32) []byte {
	var body []byte
	body = appendInt32(body, 0) // flags
	body = append(body, "admin.$cmd"...)
	body = append(body, 0x00)
	body = appendInt32(body, 0)  // numberToSkip
	body = appendInt32(body, -1) // numberToReturn
	body = append(body, bsonInt32Doc("isMaster", 1)...)

	header := make([]byte, 16)
	binary.LittleEndian.PutUint32(header[0:4], uint32(16+len(body)))
	binary.LittleEndian.PutUint32(header[4:8], uint32(requestID))
	binary.LittleEndian.PutUint32(header[8:12], 0) // responseTo
	binary.LittleEndian.PutUint32(header[12:16], opQuery)
	return append(header, body...)
}

// bsonInt32Doc builds the minimal single-field BSON document {name:
// value}.
func bsonInt32Doc(name string, value int32) []byte {
	var body []byte
	body = append(body, 0x10) // int32 element type
	body = append(body, name...)
	body = append(body, 0x00)
	body = appendInt32(body, value)
	body = append(body, 0x00) // document terminator

	length := make([]byte, 4)
	binary.LittleEndian.PutUint32(length, uint32(len(body)+4))
	return append(length, body...)
}

func appendInt32(buf []byte, v int32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return append(buf, b...)
}
