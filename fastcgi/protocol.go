package fastcgi

import "encoding/binary"

//recType is a record type, as defined by the FastCGI protocol
type recType uint8

const (
	typeBeginRequest    recType = 1
	typeAbortRequest    recType = 2
	typeEndRequest      recType = 3
	typeParams          recType = 4
	typeStdin           recType = 5
	typeStdout          recType = 6
	typeStderr          recType = 7
	typeData            recType = 8
	typeGetValues       recType = 9
	typeGetValuesResult recType = 10
	typeUnknownType     recType = 11
)

// String implements fmt.Stringer
func (t recType) String() string {
	switch t {
	case typeBeginRequest:
		return "FCGI_BEGIN_REQUEST"

	case typeAbortRequest:
		return "FCGI_ABORT_REQUEST"

	case typeEndRequest:
		return "FCGI_END_REQUEST"

	case typeParams:
		return "FCGI_PARAMS"

	case typeStdin:
		return "FCGI_STDIN"

	case typeStdout:
		return "FCGI_STDOUT"

	case typeStderr:
		return "FCGI_STDERR"

	case typeData:
		return "FCGI_DATA"

	case typeGetValues:
		return "FCGI_GET_VALUES"

	case typeGetValuesResult:
		return "FCGI_GET_VALUES_RESULT"

	case typeUnknownType:
		return "FCGI_UNKNOWN_TYPE"

	default:
		return "FCGI_UNRECOGNIZED"
	}
}

// GoString implements fmt.GoStringer
func (t recType) GoString() string {
	return t.String()
}

//supported reports whether the responder dispatches records of this type.
//Everything else is answered with FCGI_UNKNOWN_TYPE.
func (t recType) supported() bool {
	switch t {
	case typeBeginRequest, typeAbortRequest, typeParams, typeStdin, typeGetValues:
		return true
	}

	return false
}

const version uint8 = 1

const (
	headerLen = 8
	maxWrite  = 65535 //maximum record body
	maxPad    = 255
)

const (
	RoleResponder uint16 = iota + 1
	RoleAuthorizer
	RoleFilter
)

func roleName(role uint16) string {
	switch role {
	case RoleResponder:
		return "responder"
	case RoleAuthorizer:
		return "authorizer"
	case RoleFilter:
		return "filter"
	default:
		return "unknown"
	}
}

//flagKeepConn is bit 0 of the FCGI_BEGIN_REQUEST flags byte
const flagKeepConn uint8 = 1

//capability names answered in FCGI_GET_VALUES_RESULT
const (
	valueMaxConns  = "FCGI_MAX_CONNS"
	valueMaxReqs   = "FCGI_MAX_REQS"
	valueMpxsConns = "FCGI_MPXS_CONNS"
)

type header struct {
	Version       uint8
	Type          recType
	ID            uint16
	ContentLength uint16
	PaddingLength uint8
	Reserved      uint8
}

//decodeHeader reads a header from the first 8 bytes of b.
//Every byte combination yields a header; validity is judged by the dispatcher.
func decodeHeader(b []byte) (h header) {
	_ = b[headerLen-1]

	h.Version = b[0]
	h.Type = recType(b[1])
	h.ID = binary.BigEndian.Uint16(b[2:4])
	h.ContentLength = binary.BigEndian.Uint16(b[4:6])
	h.PaddingLength = b[6]
	h.Reserved = b[7]

	return
}

//encode packs the header into the first 8 bytes of b.
func (h header) encode(b []byte) {
	_ = b[headerLen-1]

	b[0] = h.Version
	b[1] = byte(h.Type)
	binary.BigEndian.PutUint16(b[2:4], h.ID)
	binary.BigEndian.PutUint16(b[4:6], h.ContentLength)
	b[6] = h.PaddingLength
	b[7] = h.Reserved
}

func (h *header) init(recType recType, reqID uint16, contentLength int) {
	h.Version = version
	h.Type = recType
	h.ID = reqID
	h.ContentLength = uint16(contentLength)
	h.PaddingLength = uint8(-contentLength & 7)
	h.Reserved = 0
}
