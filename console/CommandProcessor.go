package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"pa2-control/pa2"
	"pa2-control/pa2/handler"
	"pa2-control/pa2/log"

	"github.com/fatih/color"
	"golang.org/x/exp/slices"
)

const minWatchInterval = 50 * time.Millisecond

// monitorKinds は monitor on で表示するメッセージの種類
var monitorKinds = []pa2.Kind{
	pa2.KindGet, pa2.KindSet, pa2.KindSetR, pa2.KindSub, pa2.KindUnsub,
	pa2.KindUnsubR, pa2.KindSubR, pa2.KindLs, pa2.KindError, pa2.KindUnknown,
}

// PA2Controller はコンソールから操作する機器の窓口。*handler.PA2Handler が実装する
type PA2Controller interface {
	Devices() []handler.Device
	State() handler.ConnectionState
	ConnectedDevice() (handler.Device, bool)
	ConnectWith(ctx context.Context, device handler.Device, cred handler.Credentials) error
	Disconnect()
	Client() (*handler.Client, error)
	Get(ctx context.Context, path pa2.Path) (string, error)
	AsyncGet(ctx context.Context, path pa2.Path) (string, error)
	Ls(ctx context.Context, path pa2.Path) ([]pa2.LsEntry, error)
	Set(path pa2.Path, value string) error
	Subscribe(path pa2.Path, fn handler.ValueCallback) (func(), error)
	Poll(ctx context.Context, path pa2.Path, interval time.Duration, fn handler.ValueCallback) error
	OnConnection(fn func(handler.ConnectionEvent)) handler.ListenerToken
	RemoveConnectionListener(token handler.ListenerToken)
}

var _ PA2Controller = (*handler.PA2Handler)(nil)

// ProcessorOptions は connect コマンドで使う既定値など
type ProcessorOptions struct {
	Credentials handler.Credentials
	DevicePort  int       // IP アドレスだけ指定されたときのポート
	Out         io.Writer // nil なら標準出力
}

type watchEntry struct {
	path   pa2.Path
	cancel context.CancelFunc
	done   chan struct{}
}

// CommandProcessor は、コマンド処理を担当する構造体
type CommandProcessor struct {
	handler PA2Controller
	opts    ProcessorOptions
	cmdChan chan *Command
	done    chan struct{}
	ctx     context.Context    // コンテキスト
	cancel  context.CancelFunc // コンテキストのキャンセル関数

	connToken handler.ListenerToken

	mu            sync.Mutex
	out           io.Writer
	lsCache       map[string][]pa2.LsEntry
	subscriptions map[string]func()
	subPaths      map[string]pa2.Path
	watches       map[string]*watchEntry
	monitor       bool
	monitorTokens []handler.ListenerToken
	monitorClient *handler.Client
}

var (
	valueColor   = color.New(color.FgCyan)
	monitorColor = color.New(color.FgHiBlack)
	errorColor   = color.New(color.FgRed)
	stateColor   = color.New(color.FgYellow)
)

// NewCommandProcessor は、CommandProcessor の新しいインスタンスを作成する
func NewCommandProcessor(ctx context.Context, h PA2Controller, opts ProcessorOptions) *CommandProcessor {
	processorCtx, cancel := context.WithCancel(ctx)
	if opts.Credentials == (handler.Credentials{}) {
		opts.Credentials = handler.DefaultCredentials()
	}
	if opts.DevicePort == 0 {
		opts.DevicePort = handler.DefaultDevicePort
	}
	out := opts.Out
	if out == nil {
		out = color.Output
	}

	return &CommandProcessor{
		handler:       h,
		opts:          opts,
		cmdChan:       make(chan *Command),
		done:          make(chan struct{}),
		ctx:           processorCtx,
		cancel:        cancel,
		out:           out,
		lsCache:       make(map[string][]pa2.LsEntry),
		subscriptions: make(map[string]func()),
		subPaths:      make(map[string]pa2.Path),
		watches:       make(map[string]*watchEntry),
	}
}

// SetOutput は出力先を差し替える。readline を使うときはその Stdout にする
func (p *CommandProcessor) SetOutput(w io.Writer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.out = w
}

func (p *CommandProcessor) printf(c *color.Color, format string, args ...any) {
	p.mu.Lock()
	out := p.out
	p.mu.Unlock()
	if c == nil {
		fmt.Fprintf(out, format, args...)
		return
	}
	c.Fprintf(out, format, args...)
}

// Start は、コマンド処理を開始する
func (p *CommandProcessor) Start() {
	p.connToken = p.handler.OnConnection(p.onConnection)
	go p.processCommands()
}

// Stop は、コマンド処理を停止し、購読と watch を解除する
func (p *CommandProcessor) Stop() {
	p.cancel()
	<-p.done // コマンド処理goroutineの終了を待つ

	p.handler.RemoveConnectionListener(p.connToken)
	p.releaseSession(true)
}

// SendCommand は、コマンドを送信し、結果のエラーを返す
func (p *CommandProcessor) SendCommand(cmd *Command) error {
	select {
	case p.cmdChan <- cmd:
	case <-p.done:
		return errors.New("コマンドプロセッサは停止しています")
	}
	<-cmd.Done
	return cmd.Error
}

// processCommands は、コマンドを処理するgoroutine
func (p *CommandProcessor) processCommands() {
	defer close(p.done)

	for {
		select {
		case <-p.ctx.Done():
			return
		case cmd := <-p.cmdChan:
			quit := cmd.Type == CmdQuit
			p.execute(cmd)
			close(cmd.Done)
			if quit {
				return
			}
		}
	}
}

func (p *CommandProcessor) execute(cmd *Command) {
	switch cmd.Type {
	case CmdQuit:
	case CmdHelp:
		p.mu.Lock()
		PrintUsage(p.out, cmd.Topic)
		p.mu.Unlock()
	case CmdDevices:
		p.processDevicesCommand()
	case CmdConnect:
		cmd.Error = p.processConnectCommand(cmd)
	case CmdDisconnect:
		p.handler.Disconnect()
	case CmdLs:
		cmd.Error = p.processLsCommand(cmd)
	case CmdGet, CmdAsyncGet:
		cmd.Error = p.processGetCommand(cmd)
	case CmdSet:
		cmd.Error = p.handler.Set(cmd.Path, cmd.Value)
	case CmdSub:
		cmd.Error = p.processSubCommand(cmd)
	case CmdUnsub:
		cmd.Error = p.processUnsubCommand(cmd)
	case CmdWatch:
		cmd.Error = p.processWatchCommand(cmd)
	case CmdUnwatch:
		cmd.Error = p.processUnwatchCommand(cmd)
	case CmdMonitor:
		cmd.Error = p.processMonitorCommand(cmd)
	case CmdDebug:
		p.processDebugCommand(cmd)
	default:
		cmd.Error = fmt.Errorf("未対応のコマンドです: %d", cmd.Type)
	}
}

// onConnection は接続状態の変化を表示し、切断時にセッションの状態を捨てる。
// 読み取りループから呼ばれるので応答を待ってはいけない
func (p *CommandProcessor) onConnection(ev handler.ConnectionEvent) {
	switch ev.State {
	case handler.StateConnected:
		p.printf(stateColor, "%s に接続しました\n", ev.Device)
		p.mu.Lock()
		monitor := p.monitor
		p.mu.Unlock()
		if monitor {
			if err := p.attachMonitor(); err != nil {
				p.printf(errorColor, "monitor を再開できませんでした: %v\n", err)
			}
		}
	case handler.StateDisconnected:
		p.releaseSession(false)
		p.printf(stateColor, "切断されました\n")
	}
}

// releaseSession は購読・watch・ls のキャッシュを捨てる。
// all のときは monitor の設定も戻す
func (p *CommandProcessor) releaseSession(all bool) {
	p.mu.Lock()
	releases := make([]func(), 0, len(p.subscriptions))
	for _, release := range p.subscriptions {
		releases = append(releases, release)
	}
	watches := make([]*watchEntry, 0, len(p.watches))
	for _, w := range p.watches {
		watches = append(watches, w)
	}
	p.subscriptions = make(map[string]func())
	p.subPaths = make(map[string]pa2.Path)
	p.watches = make(map[string]*watchEntry)
	p.lsCache = make(map[string][]pa2.LsEntry)
	p.detachMonitorLocked()
	if all {
		p.monitor = false
	}
	p.mu.Unlock()

	for _, release := range releases {
		release()
	}
	for _, w := range watches {
		w.cancel()
	}
}

func (p *CommandProcessor) processDevicesCommand() {
	devices := p.handler.Devices()
	if len(devices) == 0 {
		p.printf(nil, "機器は見つかっていません\n")
		return
	}
	connected, isConnected := p.handler.ConnectedDevice()
	for i, d := range devices {
		mark := " "
		if isConnected && d.IP.Equal(connected.IP) && d.Port == connected.Port {
			mark = "*"
		}
		p.printf(nil, "%s %d: %s (最終応答 %s)\n", mark, i+1, d, d.LastSeen.Format(time.TimeOnly))
	}
}

// resolveDevice は connect の引数を機器にする。番号は devices の表示と同じ1始まり
func (p *CommandProcessor) resolveDevice(target string) (handler.Device, error) {
	devices := p.handler.Devices()
	if ip := net.ParseIP(target); ip != nil {
		ip4 := ip.To4()
		if ip4 == nil {
			return handler.Device{}, fmt.Errorf("IPv4 アドレスを指定してください: %s", target)
		}
		for _, d := range devices {
			if d.IP.Equal(ip4) {
				return d, nil
			}
		}
		return handler.Device{IP: ip4, Port: p.opts.DevicePort}, nil
	}

	index, err := strconv.Atoi(target)
	if err != nil {
		return handler.Device{}, &InvalidArgument{Argument: target}
	}
	if index < 1 || index > len(devices) {
		return handler.Device{}, fmt.Errorf("番号 %d の機器はありません (%d 台)", index, len(devices))
	}
	return devices[index-1], nil
}

func (p *CommandProcessor) processConnectCommand(cmd *Command) error {
	device, err := p.resolveDevice(cmd.Target)
	if err != nil {
		return err
	}
	p.printf(nil, "%s に接続しています...\n", device)
	return p.handler.ConnectWith(p.ctx, device, p.opts.Credentials)
}

func (p *CommandProcessor) processLsCommand(cmd *Command) error {
	entries, err := p.handler.Ls(p.ctx, cmd.Path)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.lsCache[cmd.Path.Key()] = slices.Clone(entries)
	p.mu.Unlock()

	p.printf(nil, "%s\n", cmd.Path)
	for _, e := range entries {
		if e.Value == "" {
			p.printf(nil, "  %s\n", e.Key)
		} else {
			p.printf(nil, "  %s  %s\n", e.Key, e.Value)
		}
	}
	return nil
}

func (p *CommandProcessor) processGetCommand(cmd *Command) error {
	var value string
	var err error
	if cmd.Type == CmdAsyncGet {
		value, err = p.handler.AsyncGet(p.ctx, cmd.Path)
	} else {
		value, err = p.handler.Get(p.ctx, cmd.Path)
	}
	if err != nil {
		return err
	}
	p.printf(nil, "%s = ", cmd.Path)
	p.printf(valueColor, "%q\n", value)
	return nil
}

func (p *CommandProcessor) processSubCommand(cmd *Command) error {
	key := cmd.Path.Key()
	p.mu.Lock()
	_, exists := p.subscriptions[key]
	p.mu.Unlock()
	if exists {
		return fmt.Errorf("%s は購読済みです", cmd.Path)
	}

	path := cmd.Path
	release, err := p.handler.Subscribe(path, func(value string) {
		p.printf(nil, "[sub] %s = ", path)
		p.printf(valueColor, "%q\n", value)
	})
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.subscriptions[key] = release
	p.subPaths[key] = path
	p.mu.Unlock()
	return nil
}

func (p *CommandProcessor) processUnsubCommand(cmd *Command) error {
	key := cmd.Path.Key()
	p.mu.Lock()
	release, ok := p.subscriptions[key]
	delete(p.subscriptions, key)
	delete(p.subPaths, key)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s は購読していません", cmd.Path)
	}
	release()
	return nil
}

func (p *CommandProcessor) processWatchCommand(cmd *Command) error {
	if p.handler.State() != handler.StateConnected {
		return pa2.ErrNotConnected
	}

	key := cmd.Path.Key()
	ctx, cancel := context.WithCancel(p.ctx)
	w := &watchEntry{path: cmd.Path, cancel: cancel, done: make(chan struct{})}

	p.mu.Lock()
	prev := p.watches[key]
	p.watches[key] = w
	p.mu.Unlock()
	if prev != nil {
		// 同じパスは間隔を変えて張り直す
		prev.cancel()
	}

	path := cmd.Path
	go func() {
		defer close(w.done)
		err := p.handler.Poll(ctx, path, cmd.Interval, func(value string) {
			p.printf(nil, "[watch] %s = ", path)
			p.printf(valueColor, "%q\n", value)
		})
		p.mu.Lock()
		if p.watches[key] == w {
			delete(p.watches, key)
		}
		p.mu.Unlock()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pa2.ErrClientClosed) {
			p.printf(errorColor, "watch %s を終了しました: %v\n", path, err)
		}
	}()
	return nil
}

func (p *CommandProcessor) processUnwatchCommand(cmd *Command) error {
	key := cmd.Path.Key()
	p.mu.Lock()
	w, ok := p.watches[key]
	delete(p.watches, key)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s は watch していません", cmd.Path)
	}
	w.cancel()
	<-w.done
	return nil
}

func (p *CommandProcessor) processMonitorCommand(cmd *Command) error {
	if cmd.Enabled == nil {
		p.mu.Lock()
		monitor := p.monitor
		p.mu.Unlock()
		p.printf(nil, "monitor: %s\n", onOff(monitor))
		return nil
	}

	p.mu.Lock()
	p.monitor = *cmd.Enabled
	p.detachMonitorLocked()
	p.mu.Unlock()

	if *cmd.Enabled && p.handler.State() == handler.StateConnected {
		// 未接続なら接続したときに始める
		return p.attachMonitor()
	}
	return nil
}

// attachMonitor は現在のクライアントに全種類のメッセージリスナーを付ける
func (p *CommandProcessor) attachMonitor() error {
	client, err := p.handler.Client()
	if err != nil {
		return err
	}

	tokens := make([]handler.ListenerToken, 0, len(monitorKinds))
	for _, kind := range monitorKinds {
		tokens = append(tokens, client.AddMessageListener(kind, func(msg pa2.Message) {
			p.printf(monitorColor, "<< %s\n", formatMessage(msg))
		}))
	}

	p.mu.Lock()
	p.detachMonitorLocked()
	p.monitorClient = client
	p.monitorTokens = tokens
	p.mu.Unlock()
	return nil
}

func (p *CommandProcessor) detachMonitorLocked() {
	if p.monitorClient != nil {
		for _, token := range p.monitorTokens {
			p.monitorClient.RemoveMessageListener(token)
		}
	}
	p.monitorClient = nil
	p.monitorTokens = nil
}

func (p *CommandProcessor) processDebugCommand(cmd *Command) {
	if cmd.Enabled != nil {
		log.SetDebug(*cmd.Enabled)
	}
	p.printf(nil, "debug: %s\n", onOff(log.IsDebug()))
}

func onOff(v bool) string {
	if v {
		return "on"
	}
	return "off"
}

// formatMessage は受信メッセージを1行で表す
func formatMessage(msg pa2.Message) string {
	var sb strings.Builder
	sb.WriteString(msg.Kind().String())
	if path, ok := pa2.PathOf(msg); ok {
		sb.WriteString(" ")
		sb.WriteString(path.String())
	}
	if ls, ok := msg.(pa2.Ls); ok {
		fmt.Fprintf(&sb, " (%d entries)", len(ls.Children))
	}
	if value, ok := pa2.ValueOf(msg); ok {
		fmt.Fprintf(&sb, " %q", value)
	}
	return sb.String()
}

// --- CompletionSource ---

func (p *CommandProcessor) Devices() []handler.Device {
	return p.handler.Devices()
}

func (p *CommandProcessor) CachedChildren(parent pa2.Path) ([]pa2.LsEntry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries, ok := p.lsCache[parent.Key()]
	return entries, ok
}

func (p *CommandProcessor) SubscribedPaths() []pa2.Path {
	p.mu.Lock()
	defer p.mu.Unlock()
	paths := make([]pa2.Path, 0, len(p.subPaths))
	for _, path := range p.subPaths {
		paths = append(paths, path)
	}
	return sortedPaths(paths)
}

func (p *CommandProcessor) WatchedPaths() []pa2.Path {
	p.mu.Lock()
	defer p.mu.Unlock()
	paths := make([]pa2.Path, 0, len(p.watches))
	for _, w := range p.watches {
		paths = append(paths, w.path)
	}
	return sortedPaths(paths)
}

func sortedPaths(paths []pa2.Path) []pa2.Path {
	slices.SortFunc(paths, func(a, b pa2.Path) int {
		return strings.Compare(a.Key(), b.Key())
	})
	return paths
}
