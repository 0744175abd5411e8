package utils

import (
	"context"
	"fmt"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
)

// PCAPReader 从抓包文件提取通话RTP音频，用于离线回放测试
type PCAPReader struct {
	filename string
	handle   *pcap.Handle
}

// NewPCAPReader 创建PCAP读取器
func NewPCAPReader(filename string) (*PCAPReader, error) {
	handle, err := pcap.OpenOffline(filename)
	if err != nil {
		return nil, fmt.Errorf("打开PCAP文件失败: %v", err)
	}
	return &PCAPReader{filename: filename, handle: handle}, nil
}

// Close 关闭读取器
func (r *PCAPReader) Close() {
	if r.handle != nil {
		r.handle.Close()
	}
}

// reopenHandle 重新打开文件句柄，从头读取
func (r *PCAPReader) reopenHandle() error {
	if r.handle != nil {
		r.handle.Close()
	}
	handle, err := pcap.OpenOffline(r.filename)
	if err != nil {
		return fmt.Errorf("重新打开PCAP文件失败: %v", err)
	}
	r.handle = handle
	return nil
}

// ExtractRTPPayloads 提取全部RTP负载。port为0时不过滤端口。
func (r *PCAPReader) ExtractRTPPayloads(port uint16) ([][]byte, error) {
	if err := r.reopenHandle(); err != nil {
		return nil, err
	}

	var payloads [][]byte
	packetSource := gopacket.NewPacketSource(r.handle, r.handle.LinkType())
	for packet := range packetSource.Packets() {
		udpLayer := packet.Layer(layers.LayerTypeUDP)
		if udpLayer == nil {
			continue
		}
		udp, ok := udpLayer.(*layers.UDP)
		if !ok || len(udp.Payload) == 0 {
			continue
		}
		if port != 0 && uint16(udp.DstPort) != port && uint16(udp.SrcPort) != port {
			continue
		}

		payload := rtpPayload(udp.Payload)
		if payload != nil {
			payloads = append(payloads, payload)
		}
	}
	return payloads, nil
}

// rtpPayload 校验RTP头并返回负载，非RTP包返回nil
func rtpPayload(data []byte) []byte {
	const headerLen = 12
	if len(data) <= headerLen {
		return nil
	}
	// 版本位必须为2
	if data[0]>>6 != 2 {
		return nil
	}
	// CSRC计数决定头部实际长度
	offset := headerLen + int(data[0]&0x0F)*4
	if len(data) <= offset {
		return nil
	}
	return data[offset:]
}

// Replay 按给定帧间隔把RTP负载推送给回调，模拟实时媒体流
func (r *PCAPReader) Replay(ctx context.Context, port uint16, interval time.Duration, fn func(frame []byte)) error {
	payloads, err := r.ExtractRTPPayloads(port)
	if err != nil {
		return err
	}
	if len(payloads) == 0 {
		return fmt.Errorf("文件 %s 中没有RTP音频", r.filename)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for _, frame := range payloads {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(frame)
		}
	}
	return nil
}
