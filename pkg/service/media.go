package service

import (
	"log/slog"
	"os"
	"time"

	"go.uber.org/fx"

	"github.com/duoroom/signaling-server/pkg/media"
	"github.com/duoroom/signaling-server/pkg/variables"
)

// engineGracePeriod gives in-flight responses a moment to drain before
// the process goes down with the engine.
const engineGracePeriod = 2 * time.Second

var (
	ONE_TO_NAT_PUBLIC_IP = variables.Env(
		variables.WEBRTC_ONE_TO_NAT_PUBLIC_IP,
		variables.WEBRTC_ONE_TO_NAT_PUBLIC_IP_DEFAULT,
	)

	WEBRTC_PORT = variables.Env(
		variables.WEBRTC_UDP_PORT,
		variables.WEBRTC_UDP_PORT_DEFAULT,
	)
)

func mediaEngine() (media.Engine, error) {
	udpPort, err := variables.ParseInt(WEBRTC_PORT)
	if err != nil {
		return nil, err
	}

	return media.NewWebrtcEngine(media.WebrtcEngineConfig{
		UDPPort:   udpPort,
		NAT1To1IP: ONE_TO_NAT_PUBLIC_IP,
	})
}

// watchEngine terminates the process when the engine reports an
// unrecoverable failure. Room and peer state can not be rebuilt
// without it.
func watchEngine(engine media.Engine, log *slog.Logger) {
	go func() {
		err, ok := <-engine.Dead()
		if !ok {
			return
		}
		log.Error("media engine died", slog.String("err", err.Error()))
		time.Sleep(engineGracePeriod)
		os.Exit(1)
	}()
}

var MediaModule = fx.Module("media",
	fx.Provide(mediaEngine),
	fx.Invoke(watchEngine),
)
