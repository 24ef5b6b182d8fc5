package network

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ipNet(cidr string) *net.IPNet {
	ip, n, err := net.ParseCIDR(cidr)
	if err != nil {
		panic(err)
	}
	n.IP = ip
	return n
}

func TestBroadcastAddress(t *testing.T) {
	tests := []struct {
		cidr string
		want string
	}{
		{"192.168.1.23/24", "192.168.1.255"},
		{"10.0.3.7/8", "10.255.255.255"},
		{"172.16.5.4/20", "172.16.15.255"},
		{"192.168.0.10/32", "192.168.0.10"},
	}
	for _, tt := range tests {
		t.Run(tt.cidr, func(t *testing.T) {
			n := ipNet(tt.cidr)
			assert.Equal(t, tt.want, BroadcastAddress(n.IP, n.Mask).String())
		})
	}

	// 16バイト表現のマスクも受け付ける
	mask16 := net.IPMask(net.ParseIP("255.255.255.0"))
	assert.Equal(t, "192.168.7.255", BroadcastAddress(net.ParseIP("192.168.7.1"), mask16).String())

	assert.Nil(t, BroadcastAddress(net.ParseIP("fe80::1"), net.CIDRMask(64, 128)))
}

func TestBroadcastIPsFrom(t *testing.T) {
	up := net.FlagUp | net.FlagBroadcast

	ifaces := []InterfaceAddrs{
		{Name: "lo", Flags: net.FlagUp | net.FlagLoopback, Addrs: []net.Addr{ipNet("127.0.0.1/8")}},
		{Name: "eth0", Flags: up, Addrs: []net.Addr{ipNet("192.168.1.23/24"), ipNet("fe80::1/64")}},
		{Name: "eth1", Flags: up, Addrs: []net.Addr{ipNet("10.1.2.3/16"), ipNet("192.168.1.99/24")}},
		{Name: "down0", Flags: net.FlagBroadcast, Addrs: []net.Addr{ipNet("172.16.0.1/24")}},
		{Name: "odd", Flags: up, Addrs: []net.Addr{&net.IPAddr{IP: net.ParseIP("192.168.9.9")}}},
	}

	got := BroadcastIPsFrom(ifaces)
	require.Len(t, got, 2)
	assert.Equal(t, "192.168.1.255", got[0].String())
	assert.Equal(t, "10.1.255.255", got[1].String())
}

func TestBroadcastIPsFrom_Fallback(t *testing.T) {
	got := BroadcastIPsFrom([]InterfaceAddrs{
		{Name: "lo", Flags: net.FlagUp | net.FlagLoopback, Addrs: []net.Addr{ipNet("127.0.0.1/8")}},
	})
	require.Len(t, got, 1)
	assert.Equal(t, "255.255.255.255", got[0].String())

	got = BroadcastIPsFrom(nil)
	assert.Equal(t, []net.IP{LimitedBroadcastIP}, got)
}

func TestGetIPv4BroadcastIPs(t *testing.T) {
	// 環境に依存するので、少なくとも1つ返ることだけを確認する
	got := GetIPv4BroadcastIPs()
	require.NotEmpty(t, got)
	for _, ip := range got {
		assert.NotNil(t, ip.To4())
	}
}

func TestUDPConnection_SendAndReceive(t *testing.T) {
	receiver, err := CreateUDPConnection(net.IPv4(127, 0, 0, 1), 0)
	require.NoError(t, err)
	defer receiver.Close()

	sender, err := CreateUDPConnection(net.IPv4(127, 0, 0, 1), 0)
	require.NoError(t, err)
	defer sender.Close()

	_, err = sender.SendTo(net.IPv4(127, 0, 0, 1), receiver.LocalAddr.Port, []byte("ping"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, addr, err := receiver.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("ping"), data)
	assert.Equal(t, sender.LocalAddr.Port, addr.Port)
}

func TestUDPConnection_ReceiveCancel(t *testing.T) {
	conn, err := CreateUDPConnection(net.IPv4(127, 0, 0, 1), 0)
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, _, err = conn.Receive(ctx)
	assert.True(t, errors.Is(err, context.Canceled), "err = %v", err)
}

func TestCreateUDPConnection_IPv6Rejected(t *testing.T) {
	_, err := CreateUDPConnection(net.ParseIP("::1"), 0)
	assert.Error(t, err)
}
