package nvme

import (
	"bytes"
	"strconv"
)

const firmwareRevision = "1.3"

// IdentifyController carries the Identify Controller fields this
// controller reports.
type IdentifyController struct {
	MN     [40]byte
	SN     [20]byte
	FR     [8]byte
	SubNQN [256]byte

	MDTS uint8
	OACS uint16
}

func padCopy(dst []byte, s string) {
	n := copy(dst, s)
	for i := n; i < len(dst); i++ {
		dst[i] = ' '
	}
}

// SetName sets the model number, serial number (serial with devID
// appended), firmware revision and subsystem NQN.
func (c *Controller) SetName(model, serial string, devID int) {
	sn := serial + strconv.Itoa(devID)

	padCopy(c.id.MN[:], model)
	padCopy(c.id.SN[:], sn)
	padCopy(c.id.FR[:], firmwareRevision)

	c.id.SubNQN = [256]byte{}
	copy(c.id.SubNQN[:len(c.id.SubNQN)-1], c.cfg.NQNPrefix+":"+sn)
}

func (id *IdentifyController) Model() string {
	return string(bytes.TrimRight(id.MN[:], " "))
}

func (id *IdentifyController) Serial() string {
	return string(bytes.TrimRight(id.SN[:], " "))
}

func (id *IdentifyController) Firmware() string {
	return string(bytes.TrimRight(id.FR[:], " "))
}

func (id *IdentifyController) NQN() string {
	return string(bytes.TrimRight(id.SubNQN[:], "\x00"))
}
