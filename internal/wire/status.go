package wire

import "fmt"

// Status is the outcome code carried by every response.
type Status uint8

const (
	StatusOk Status = iota
	StatusProtocolViolation
	StatusUnsupported
	StatusBadRole
	StatusBadConversationStatus
	StatusUnauthorized
	StatusInvalidValue
	StatusInvalidSignature
	StatusNotFound
	StatusAlreadyExists
	StatusQuotaExceeded
	StatusUninitialized
	StatusNotAvailable
	StatusRejected
	StatusBusy
	StatusInternal
)

var statusNames = map[Status]string{
	StatusOk:                    "ok",
	StatusProtocolViolation:     "protocol-violation",
	StatusUnsupported:           "unsupported",
	StatusBadRole:               "bad-role",
	StatusBadConversationStatus: "bad-conversation-status",
	StatusUnauthorized:          "unauthorized",
	StatusInvalidValue:          "invalid-value",
	StatusInvalidSignature:      "invalid-signature",
	StatusNotFound:              "not-found",
	StatusAlreadyExists:         "already-exists",
	StatusQuotaExceeded:         "quota-exceeded",
	StatusUninitialized:         "uninitialized",
	StatusNotAvailable:          "not-available",
	StatusRejected:              "rejected",
	StatusBusy:                  "busy",
	StatusInternal:              "internal",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", uint8(s))
}

// IsError reports whether the status signals a failed request.
func (s Status) IsError() bool { return s != StatusOk }
