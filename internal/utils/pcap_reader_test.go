package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRTPPayload(t *testing.T) {
	// 标准RTP头：版本2，无CSRC
	packet := append(make([]byte, 12), 0x01, 0x02, 0x03)
	packet[0] = 0x80
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, rtpPayload(packet))

	// 带一个CSRC，头部偏移16字节
	withCSRC := append(make([]byte, 16), 0x0A, 0x0B)
	withCSRC[0] = 0x81
	assert.Equal(t, []byte{0x0A, 0x0B}, rtpPayload(withCSRC))

	// 版本不是2
	bad := append(make([]byte, 12), 0x01)
	bad[0] = 0x40
	assert.Nil(t, rtpPayload(bad))

	// 只有头没有负载
	assert.Nil(t, rtpPayload(make([]byte, 12)))
	assert.Nil(t, rtpPayload(nil))
}
