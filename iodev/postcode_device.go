package iodev

import (
	"github.com/bobuhiro11/govmm/device"
	"github.com/sirupsen/logrus"
)

const PostCodePort = uint64(0x80)

// PostCodeDevice logs the POST codes firmware writes to port 0x80.
type PostCodeDevice struct {
	log  logrus.FieldLogger
	last byte
}

func NewPostCodeDevice(log logrus.FieldLogger) *PostCodeDevice {
	return &PostCodeDevice{log: log.WithField("device", "post-code")}
}

func (p *PostCodeDevice) Name() string { return "post-code" }

func (p *PostCodeDevice) Read(base, offset uint64, data []byte) error {
	if len(data) == 1 {
		data[0] = p.last
	}

	return nil
}

func (p *PostCodeDevice) Write(base, offset uint64, data []byte) error {
	if len(data) != 1 {
		return device.ErrDataLenInvalid
	}

	p.last = data[0]
	p.log.WithField("code", data[0]).Debug("post code")

	return nil
}
