package network

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"
)

// UDPConnection は探索用の UDP ソケットを管理します
type UDPConnection struct {
	UdpConn   *net.UDPConn
	LocalAddr *net.UDPAddr
}

// CreateUDPConnection は IPv4 のワイルドカード (ip が nil の場合) または指定アドレスで listen します。
// Go の UDP ソケットは SO_BROADCAST が有効なので、そのままブロードキャスト送信に使えます。
func CreateUDPConnection(ip net.IP, port int) (*UDPConnection, error) {
	if ip != nil && ip.To4() == nil {
		return nil, fmt.Errorf("IPv6 not supported: %v", ip)
	}
	bindIP := ip
	if bindIP == nil || bindIP.IsUnspecified() {
		bindIP = net.IPv4zero
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: bindIP, Port: port})
	if err != nil {
		return nil, fmt.Errorf("failed to listen on udp port %d: %w", port, err)
	}
	return &UDPConnection{
		UdpConn:   conn,
		LocalAddr: conn.LocalAddr().(*net.UDPAddr),
	}, nil
}

// Close はソケットを閉じます
func (c *UDPConnection) Close() error {
	return c.UdpConn.Close()
}

// SendTo は指定先にデータを送信します
func (c *UDPConnection) SendTo(dstIP net.IP, port int, data []byte) (int, error) {
	return c.UdpConn.WriteToUDP(data, &net.UDPAddr{IP: dstIP, Port: port})
}

// bufferPool は受信バッファのプールです
var bufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 1500) },
}

// Receive は UDP パケットを受信し、送信元アドレスとデータを返します。
// コンテキストがキャンセルされると読み込みを打ち切ります。
func (c *UDPConnection) Receive(ctx context.Context) ([]byte, *net.UDPAddr, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = c.UdpConn.SetReadDeadline(deadline)
	} else {
		_ = c.UdpConn.SetReadDeadline(time.Time{})
	}

	type result struct {
		data []byte
		addr *net.UDPAddr
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		buf := bufferPool.Get().([]byte)
		defer bufferPool.Put(buf)
		n, addr, err := c.UdpConn.ReadFromUDP(buf)
		if err != nil {
			ch <- result{nil, nil, err}
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		ch <- result{data, addr, nil}
	}()

	select {
	case <-ctx.Done():
		_ = c.UdpConn.SetReadDeadline(time.Now())
		<-ch
		return nil, nil, ctx.Err()
	case res := <-ch:
		return res.data, res.addr, res.err
	}
}
