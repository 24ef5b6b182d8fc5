package network

import (
	"log/slog"
	"net"
)

// LimitedBroadcastIP は使えるインターフェースが無いときの送信先
var LimitedBroadcastIP = net.IPv4bcast.To4()

// BroadcastAddress はアドレスとネットマスクからブロードキャストアドレスを計算する
// ブロードキャストアドレス = IPアドレス | (^サブネットマスク)
func BroadcastAddress(ip net.IP, mask net.IPMask) net.IP {
	ip4 := ip.To4()
	if ip4 == nil {
		return nil
	}
	if len(mask) == net.IPv6len {
		mask = mask[12:]
	}
	if len(mask) != net.IPv4len {
		return nil
	}
	broadcast := make(net.IP, net.IPv4len)
	for i := range ip4 {
		broadcast[i] = ip4[i] | ^mask[i]
	}
	return broadcast
}

// InterfaceAddrs は1つのインターフェースの情報。テストで差し替えられるように切り出している
type InterfaceAddrs struct {
	Name  string
	Flags net.Flags
	Addrs []net.Addr
}

// BroadcastIPsFrom はインターフェース一覧からブロードキャストアドレスを集める。
// ループバックと停止中のインターフェースは除く。重複は除き、見つからなければ 255.255.255.255 を返す
func BroadcastIPsFrom(ifaces []InterfaceAddrs) []net.IP {
	var result []net.IP
	seen := make(map[string]struct{})

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		for _, addr := range iface.Addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok || ipnet.IP.To4() == nil {
				continue
			}
			broadcast := BroadcastAddress(ipnet.IP, ipnet.Mask)
			if broadcast == nil {
				continue
			}
			key := broadcast.String()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			result = append(result, broadcast)
		}
	}

	if len(result) == 0 {
		return []net.IP{LimitedBroadcastIP}
	}
	return result
}

// GetIPv4BroadcastIPs はローカルの全 IPv4 インターフェースのブロードキャストアドレスを返す
func GetIPv4BroadcastIPs() []net.IP {
	interfaces, err := net.Interfaces()
	if err != nil {
		slog.Warn("ネットワークインターフェースの取得に失敗しました", "err", err)
		return []net.IP{LimitedBroadcastIP}
	}

	ifaces := make([]InterfaceAddrs, 0, len(interfaces))
	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			slog.Debug("インターフェースのアドレス取得に失敗", "iface", iface.Name, "err", err)
			continue
		}
		ifaces = append(ifaces, InterfaceAddrs{Name: iface.Name, Flags: iface.Flags, Addrs: addrs})
	}
	return BroadcastIPsFrom(ifaces)
}
