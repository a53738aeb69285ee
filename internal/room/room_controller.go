package room

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"
	echo "github.com/labstack/echo/v4"
	"go.uber.org/fx"

	"github.com/duoroom/signaling-server/pkg/protocol"
	"github.com/duoroom/signaling-server/pkg/wsutils"
)

const invalidParamsMessage = "Invalid params"

type roomController struct {
	roomService *RoomService
	logger      *slog.Logger
	upgrader    websocket.Upgrader
}

// httpError maps the service taxonomy onto response codes: validation,
// admission and unknown-entity failures are the caller's fault,
// everything else is a server error. Incompatible capabilities stay
// 500, matching the reference behavior clients already handle.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrInvalidName),
		errors.Is(err, ErrRoomFull),
		errors.Is(err, ErrRoomNotExist),
		errors.Is(err, ErrPeerNotExist),
		errors.Is(err, ErrNoProducerTransport),
		errors.Is(err, ErrNoConsumerTransport),
		errors.Is(err, ErrNoProducer),
		errors.Is(err, ErrAlreadyProducing):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrIncompatibleCapabilities):
		return echo.NewHTTPError(http.StatusInternalServerError, "Streaming error")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "Server error")
	}
}

func (ctrl *roomController) RoomJoin(c echo.Context) error {
	roomID := c.Param("roomId")

	request := new(protocol.JoinRequest)
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, invalidParamsMessage)
	}

	peer, transportParams, rtpCapabilities, err := ctrl.roomService.Admit(c.Request().Context(), roomID, request.Name)
	if err != nil {
		ctrl.logger.Error("join failed", slog.String("room", roomID), slog.String("err", err.Error()))
		return httpError(err)
	}

	return c.JSON(http.StatusOK, protocol.JoinResponse{
		Peer:            peer,
		RTPCapabilities: rtpCapabilities,
		TransportParams: transportParams,
	})
}

func (ctrl *roomController) RoomTransportConnect(c echo.Context) error {
	roomID := c.Param("roomId")

	request := new(protocol.TransportConnectRequest)
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, invalidParamsMessage)
	}
	if request.PeerID == "" || request.DTLSParameters == nil {
		return echo.NewHTTPError(http.StatusBadRequest, invalidParamsMessage)
	}

	if err := ctrl.roomService.ConnectProducerTransport(c.Request().Context(), roomID, request.PeerID, *request.DTLSParameters); err != nil {
		ctrl.logger.Error("transport connect failed", slog.String("room", roomID), slog.String("err", err.Error()))
		return httpError(err)
	}
	return c.JSON(http.StatusOK, "OK")
}

func (ctrl *roomController) RoomTransportProduce(c echo.Context) error {
	roomID := c.Param("roomId")

	request := new(protocol.TransportProduceRequest)
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, invalidParamsMessage)
	}
	if request.PeerID == "" || request.Kind == "" || request.RTPParameters == nil || request.AppData == nil {
		return echo.NewHTTPError(http.StatusBadRequest, invalidParamsMessage)
	}

	producerID, err := ctrl.roomService.Produce(c.Request().Context(), roomID, request.PeerID, request.Kind, *request.RTPParameters)
	if err != nil {
		ctrl.logger.Error("produce failed", slog.String("room", roomID), slog.String("err", err.Error()))
		return httpError(err)
	}
	return c.JSON(http.StatusOK, protocol.TransportProduceResponse{ProducerID: producerID})
}

func (ctrl *roomController) RoomReceiveTransport(c echo.Context) error {
	roomID := c.Param("roomId")

	request := new(protocol.ReceiveTransportRequest)
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, invalidParamsMessage)
	}
	if request.PeerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, invalidParamsMessage)
	}

	params, err := ctrl.roomService.CreateConsumerTransport(c.Request().Context(), roomID, request.PeerID)
	if err != nil {
		ctrl.logger.Error("receive transport failed", slog.String("room", roomID), slog.String("err", err.Error()))
		return httpError(err)
	}
	return c.JSON(http.StatusOK, params)
}

func (ctrl *roomController) RoomReceiveConnected(c echo.Context) error {
	roomID := c.Param("roomId")

	request := new(protocol.ReceiveConnectedRequest)
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, invalidParamsMessage)
	}
	if request.PeerID == "" || request.DTLSParameters == nil {
		return echo.NewHTTPError(http.StatusBadRequest, invalidParamsMessage)
	}

	if err := ctrl.roomService.ConnectConsumerTransport(c.Request().Context(), roomID, request.PeerID, *request.DTLSParameters); err != nil {
		ctrl.logger.Error("receive connect failed", slog.String("room", roomID), slog.String("err", err.Error()))
		return httpError(err)
	}
	return c.JSON(http.StatusOK, "OK")
}

func (ctrl *roomController) RoomStartConsuming(c echo.Context) error {
	roomID := c.Param("roomId")

	request := new(protocol.StartConsumingRequest)
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, invalidParamsMessage)
	}
	if request.PeerID == "" || request.RemotePeerID == "" || request.RTPCapabilities == nil {
		return echo.NewHTTPError(http.StatusBadRequest, invalidParamsMessage)
	}

	response, err := ctrl.roomService.StartConsuming(
		c.Request().Context(), roomID, request.PeerID, request.RemotePeerID, *request.RTPCapabilities)
	if err != nil {
		ctrl.logger.Error("start consuming failed", slog.String("room", roomID), slog.String("err", err.Error()))
		return httpError(err)
	}
	return c.JSON(http.StatusOK, response)
}

func (ctrl *roomController) RoomInfo(c echo.Context) error {
	info, err := ctrl.roomService.RoomInfo(c.Param("roomId"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, info)
}

// RoomEventStream pushes room events to the peer as server-sent
// events. Closing the stream is the peer's cancellation signal: the
// subscription is detached and the peer evicted.
func (ctrl *roomController) RoomEventStream(c echo.Context) error {
	roomID := c.Param("roomId")
	peerID := c.Param("peerId")

	events, err := ctrl.roomService.Subscribe(roomID, peerID)
	if err != nil {
		return httpError(err)
	}
	defer func() {
		ctrl.roomService.Unsubscribe(roomID, peerID)
		ctrl.roomService.Remove(roomID, peerID)
	}()

	response := c.Response()
	response.Header().Set(echo.HeaderContentType, "text/event-stream")
	response.Header().Set("Cache-Control", "no-cache")
	response.Header().Set(echo.HeaderConnection, "keep-alive")
	response.WriteHeader(http.StatusOK)

	if _, err := io.WriteString(response, "retry: 10000\n\n"); err != nil {
		return nil
	}
	response.Flush()

	ctx := c.Request().Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(response, "data: %s\n\n", payload); err != nil {
				return nil
			}
			response.Flush()
		}
	}
}

// RoomEventSocket is the same event stream over a websocket, for
// clients that can not hold an SSE connection open.
func (ctrl *roomController) RoomEventSocket(c echo.Context) error {
	roomID := c.Param("roomId")
	peerID := c.Param("peerId")

	conn, err := ctrl.upgrader.Upgrade(c.Response().Writer, c.Request(), nil)
	if err != nil {
		ctrl.logger.Error("unable to upgrade request", slog.String("err", err.Error()))
		return err
	}
	writer := wsutils.NewThreadSafeWriter(conn)
	defer writer.Close()

	events, err := ctrl.roomService.Subscribe(roomID, peerID)
	if err != nil {
		_ = writer.WriteJSON(map[string]string{"error": err.Error()})
		return nil
	}
	defer func() {
		ctrl.roomService.Unsubscribe(roomID, peerID)
		ctrl.roomService.Remove(roomID, peerID)
	}()

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return nil
		case event, ok := <-events:
			if !ok {
				return nil
			}
			if err := writer.WriteJSON(event); err != nil {
				return nil
			}
		}
	}
}

func (ctrl *roomController) Resolve(router *echo.Echo) error {
	api := router.Group("/api")

	api.POST("/room/:roomId/join", ctrl.RoomJoin)
	api.POST("/room/:roomId/transportConnect", ctrl.RoomTransportConnect)
	api.POST("/room/:roomId/transportProduce", ctrl.RoomTransportProduce)
	api.POST("/room/:roomId/receiveTransport", ctrl.RoomReceiveTransport)
	api.POST("/room/:roomId/receiveConnected", ctrl.RoomReceiveConnected)
	api.POST("/room/:roomId/startConsuming", ctrl.RoomStartConsuming)
	api.GET("/room/:roomId", ctrl.RoomInfo)
	api.GET("/event/:roomId/:peerId", ctrl.RoomEventStream)
	api.GET("/ws/:roomId/:peerId", ctrl.RoomEventSocket)

	return nil
}

var _ protocol.HttpResolvable = (*roomController)(nil)

type newRoomControllerParams struct {
	fx.In

	RoomService *RoomService
	Logger      *slog.Logger
}

func NewRoomController(params newRoomControllerParams) *roomController {
	return &roomController{
		roomService: params.RoomService,
		logger:      params.Logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}
