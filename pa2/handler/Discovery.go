package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"pa2-control/pa2/network"

	"golang.org/x/exp/slices"
)

const (
	// DefaultDevicePort はデバイスが探索パケットを待ち受けるポート。TCP の制御ポートも同じ
	DefaultDevicePort = 19272
	// DefaultDiscoveryListenPort はこちらが応答を受け取るポート
	DefaultDiscoveryListenPort = 52990
	DefaultDiscoveryInterval   = 1 * time.Second
	DefaultStaleAfter          = 5 * time.Second
)

// ProbePayload は存在確認のために送る固定のコマンド列。応答の中身は見ない
var ProbePayload = []byte("\n" +
	"  delay 100\n" +
	"  get \\\\Node\\AT\\Class_Name\n" +
	"  get \\\\Node\\AT\\Instance_Name\n" +
	"  get \\\\Node\\AT\\Software_Version\n" +
	"  get \\\\Storage\\Presets\\SV\\CurrentPreset\n")

// Device は探索で見つかった機器
type Device struct {
	IP       net.IP
	Port     int
	LastSeen time.Time
}

func (d Device) String() string {
	return net.JoinHostPort(d.IP.String(), fmt.Sprint(d.Port))
}

// Address は TCP 接続先のアドレス
func (d Device) Address() string {
	return d.String()
}

// DevicesCallback は毎回の探索周期で呼ばれる。devices は呼び出し側で自由に使ってよいコピー
type DevicesCallback func(devices []Device)

type DiscoveryOptions struct {
	ListenIP   net.IP // nil ならすべてのインターフェース
	ListenPort int
	DevicePort int
	Interval   time.Duration
	StaleAfter time.Duration
	Clock      Clock
	// BroadcastIPs は送信先の一覧を返す。nil ならインターフェースから計算する
	BroadcastIPs func() []net.IP
}

func (o *DiscoveryOptions) applyDefaults() {
	if o.ListenPort == 0 {
		o.ListenPort = DefaultDiscoveryListenPort
	}
	if o.DevicePort == 0 {
		o.DevicePort = DefaultDevicePort
	}
	if o.Interval <= 0 {
		o.Interval = DefaultDiscoveryInterval
	}
	if o.StaleAfter <= 0 {
		o.StaleAfter = DefaultStaleAfter
	}
	if o.Clock == nil {
		o.Clock = RealClock{}
	}
	if o.BroadcastIPs == nil {
		o.BroadcastIPs = network.GetIPv4BroadcastIPs
	}
}

// Discovery はブロードキャストで機器を探し、応答の無くなった機器を取り除く
type Discovery struct {
	opts     DiscoveryOptions
	callback DevicesCallback

	mu      sync.Mutex
	devices []Device
	conn    *network.UDPConnection
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewDiscovery(opts DiscoveryOptions, callback DevicesCallback) *Discovery {
	opts.applyDefaults()
	if callback == nil {
		callback = func([]Device) {}
	}
	return &Discovery{
		opts:     opts,
		callback: callback,
	}
}

// Start は受信ソケットを開いて探索を始める。既に開始済みなら何もしない
func (d *Discovery) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.conn != nil {
		slog.Warn("探索は既に開始されています", "port", d.conn.LocalAddr.Port)
		return nil
	}

	conn, err := network.CreateUDPConnection(d.opts.ListenIP, d.opts.ListenPort)
	if err != nil {
		return fmt.Errorf("探索用ソケットを開けませんでした: %w", err)
	}
	d.conn = conn

	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	slog.Info("探索を開始しました", "addr", conn.LocalAddr, "devicePort", d.opts.DevicePort)

	d.wg.Add(2)
	go d.receiveLoop(loopCtx, conn)
	go d.tickLoop(loopCtx, conn)
	return nil
}

// Stop は探索を止め、機器一覧を空にして空の一覧を1回だけ通知する
func (d *Discovery) Stop() {
	d.mu.Lock()
	conn := d.conn
	cancel := d.cancel
	d.conn = nil
	d.cancel = nil
	d.mu.Unlock()

	if conn == nil {
		return
	}
	cancel()
	_ = conn.Close()
	d.wg.Wait()

	d.mu.Lock()
	d.devices = nil
	d.mu.Unlock()

	slog.Info("探索を停止しました")
	d.callback([]Device{})
}

// release は呼び出し元の ctx が終わったときにソケットを手放し、再び Start できるようにする。
// Stop で既に手放していれば何もしない
func (d *Discovery) release(conn *network.UDPConnection) {
	d.mu.Lock()
	if d.conn != conn {
		d.mu.Unlock()
		return
	}
	cancel := d.cancel
	d.conn = nil
	d.cancel = nil
	d.devices = nil
	d.mu.Unlock()

	cancel()
	_ = conn.Close()

	slog.Info("探索を停止しました", "reason", "context done")
	d.callback([]Device{})
}

// Devices は現在の機器一覧のコピーを返す
func (d *Discovery) Devices() []Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.devices)
}

func (d *Discovery) tickLoop(ctx context.Context, conn *network.UDPConnection) {
	defer d.wg.Done()

	for {
		d.tick()
		select {
		case <-ctx.Done():
			d.release(conn)
			return
		case <-d.opts.Clock.After(d.opts.Interval):
		}
	}
}

// tick は1周期分の処理: 探索パケット送信、古い機器の除去、一覧の通知
func (d *Discovery) tick() {
	d.mu.Lock()
	conn := d.conn
	d.mu.Unlock()

	if conn != nil {
		for _, ip := range d.opts.BroadcastIPs() {
			if _, err := conn.SendTo(ip, d.opts.DevicePort, ProbePayload); err != nil {
				slog.Debug("探索パケットの送信に失敗", "dst", ip, "err", err)
			}
		}
	}

	snapshot := d.prune(d.opts.Clock.Now())
	d.callback(snapshot)
}

// prune は now 時点で StaleAfter より長く応答の無い機器を取り除き、残りのコピーを返す
func (d *Discovery) prune(now time.Time) []Device {
	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.devices[:0]
	for _, dev := range d.devices {
		if now.Sub(dev.LastSeen) > d.opts.StaleAfter {
			slog.Debug("機器の応答が途絶えました", "device", dev)
			continue
		}
		kept = append(kept, dev)
	}
	d.devices = kept
	return slices.Clone(kept)
}

// observe は応答を受け取った機器を追加または更新する。通知は次の周期まで待つ
func (d *Discovery) observe(addr *net.UDPAddr) {
	now := d.opts.Clock.Now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for i := range d.devices {
		if d.devices[i].IP.Equal(addr.IP) {
			d.devices[i].LastSeen = now
			return
		}
	}
	ip := make(net.IP, len(addr.IP))
	copy(ip, addr.IP)
	d.devices = append(d.devices, Device{IP: ip, Port: addr.Port, LastSeen: now})
	slog.Debug("機器を発見しました", "ip", ip, "port", addr.Port)
}

func (d *Discovery) receiveLoop(ctx context.Context, conn *network.UDPConnection) {
	defer d.wg.Done()

	for {
		_, addr, err := conn.Receive(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, net.ErrClosed) {
				return
			}
			if ctx.Err() != nil {
				return
			}
			slog.Error("探索応答の受信中にエラーが発生", "err", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		if addr == nil {
			continue
		}
		d.observe(addr)
	}
}
