package nvme

import "fmt"

// Status is a completion status field: a status code type and code in the
// low bits, optionally combined with DNR.
type Status uint16

const (
	StatusSuccess              Status = 0x0000
	StatusInvalidOpcode        Status = 0x0001
	StatusInvalidField         Status = 0x0002
	StatusDataTransfer         Status = 0x0004
	StatusInvalidNSID          Status = 0x000b
	StatusLBARange             Status = 0x0080
	StatusInvalidCQID          Status = 0x0100
	StatusInvalidQID           Status = 0x0101
	StatusMaxQSizeExceeded     Status = 0x0102
	StatusInvalidIRQVector     Status = 0x0108
	StatusInvalidLogID         Status = 0x0109
	StatusInvalidQueueDeletion Status = 0x010c
	StatusUnrecoveredRead      Status = 0x0281

	// DNR tells the host a retry of the same command will fail the same way.
	DNR Status = 0x4000
)

var statusNames = map[Status]string{
	StatusSuccess:              "success",
	StatusInvalidOpcode:        "invalid_opcode",
	StatusInvalidField:         "invalid_field",
	StatusDataTransfer:         "data_transfer_error",
	StatusInvalidNSID:          "invalid_nsid",
	StatusLBARange:             "lba_range",
	StatusInvalidCQID:          "invalid_cqid",
	StatusInvalidQID:           "invalid_qid",
	StatusMaxQSizeExceeded:     "max_qsize_exceeded",
	StatusInvalidIRQVector:     "invalid_irq_vector",
	StatusInvalidLogID:         "invalid_log_id",
	StatusInvalidQueueDeletion: "invalid_queue_deletion",
	StatusUnrecoveredRead:      "unrecovered_read",
}

func (s Status) Code() Status {
	return s &^ DNR
}

func (s Status) DNR() bool {
	return s&DNR != 0
}

func (s Status) OK() bool {
	return s == StatusSuccess
}

func (s Status) String() string {
	name, ok := statusNames[s.Code()]
	if !ok {
		name = fmt.Sprintf("status(%#04x)", uint16(s.Code()))
	}

	if s.DNR() {
		return name + "|dnr"
	}

	return name
}
