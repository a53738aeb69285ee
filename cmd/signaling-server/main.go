package main

import (
	"go.uber.org/fx"

	"github.com/duoroom/signaling-server/internal/room"
	"github.com/duoroom/signaling-server/pkg/protocol"
	"github.com/duoroom/signaling-server/pkg/service"
)

func main() {
	fx.New(
		fx.Provide(
			room.NewMetrics,
			room.NewRoomService,

			protocol.AsHttpController(room.NewRoomController),
		),

		service.LoggerModule,
		service.MediaModule,
		service.HttpModule,
	).Run()
}
