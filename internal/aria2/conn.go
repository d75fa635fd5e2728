package aria2

import (
	"context"

	"github.com/italolelis/aria2_monitor/internal/rpc"
)

// aria2 RPC methods.
const (
	methodGetVersion    = "aria2.getVersion"
	methodGetGlobalStat = "aria2.getGlobalStat"
	methodAddURI        = "aria2.addUri"
	methodAddTorrent    = "aria2.addTorrent"
	methodTellActive    = "aria2.tellActive"
	methodTellWaiting   = "aria2.tellWaiting"
	methodTellStopped   = "aria2.tellStopped"
	methodTellStatus    = "aria2.tellStatus"
	methodShutdown      = "aria2.shutdown"
	methodForceShutdown = "aria2.forceShutdown"
)

// Conn is the RPC connection the Client and Monitor run on. *rpc.Conn implements it.
type Conn interface {
	Call(ctx context.Context, method string, params []any, result any) error
	Multicall(ctx context.Context, calls []rpc.Call) ([]rpc.Result, error)
	Subscribe(method string, handler rpc.NotificationHandler) func()
	Close() error
}

var _ Conn = (*rpc.Conn)(nil)
